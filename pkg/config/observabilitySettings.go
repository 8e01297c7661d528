package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,hostname_port"` // OTLP/HTTP collector, tracing disabled when empty
	MetricsAddr string `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
}

type Logging struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}
