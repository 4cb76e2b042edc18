package config

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Collab struct {
		// 每个会话保留的操作日志窗口大小
		RingCap int `mapstructure:"ring_cap"`
		// 闲置超过该分钟数的会话被清扫
		MaxIdleMinutes int `mapstructure:"max_idle_minutes"`
		// 清扫周期（分钟）
		CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
	} `mapstructure:"collab"`
}
