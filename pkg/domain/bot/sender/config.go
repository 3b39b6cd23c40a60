package sender

import "time"

// ProcessorConfig controls how failed Bot API calls are retried.
type ProcessorConfig struct {
	Attempts  int           `yaml:"attempts" validate:"gte=0"`
	BaseDelay time.Duration `yaml:"base_delay" validate:"gte=0"`
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	return c
}
