package config

// DbSettings selects and configures the outbox store.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"oneof=postgres mongo spanner"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI        string `mapstructure:"uri" validate:"required_unless=Type postgres"` // mongo URI or spanner database path
	Name       string `mapstructure:"name" validate:"required_if=Type mongo"`
	Collection string `mapstructure:"collection"`
}
