package config

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type        string `mapstructure:"type" validate:"oneof=rabbitmq gcp-pubsub"`
	URL         string `mapstructure:"url"` // full amqp:// URI, overrides the discrete fields below
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	VirtualHost string `mapstructure:"vhost"`
	Namespace   string `mapstructure:"namespace" validate:"required"`
	PoolSize    int    `mapstructure:"pool_size" validate:"omitempty,min=1"`
	ProjectID   string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // GCP Pub/Sub only
}
