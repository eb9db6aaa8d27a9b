package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arzzra/sipdispatch/pkg/dispatch"
	"github.com/arzzra/sipdispatch/pkg/stack"
)

// duration - обертка для разбора длительностей из TOML ("30s", "1m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// fileConfig - конфигурация демона из TOML файла.
type fileConfig struct {
	SIP      sipConfig       `toml:"sip"`
	Dispatch dispatchConfig  `toml:"dispatch"`
	Routes   []routeConfig   `toml:"routes"`
	Prefixes []prefixConfig  `toml:"prefixes"`
	Metrics  metricsConfig   `toml:"metrics"`
}

type sipConfig struct {
	Contact     string            `toml:"contact"`
	DisplayName string            `toml:"display_name"`
	UserAgent   string            `toml:"user_agent"`
	Transports  []transportConfig `toml:"transports"`
}

type transportConfig struct {
	Type string `toml:"type"`
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type dispatchConfig struct {
	Workers       int      `toml:"workers"`
	QueueCapacity int      `toml:"queue_capacity"`
	IdleWait      duration `toml:"idle_wait"`
	AnswerTimeout duration `toml:"answer_timeout"`
}

// routeConfig - статический маршрут: пользователь -> целевой URI.
type routeConfig struct {
	User string `toml:"user"`
	URI  string `toml:"uri"`
}

// prefixConfig - префиксный маршрут: совпадение по началу номера.
type prefixConfig struct {
	Prefix string `toml:"prefix"`
	URI    string `toml:"uri"`
}

type metricsConfig struct {
	Listen string `toml:"listen"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		SIP: sipConfig{
			Contact:   "sipdispatch",
			UserAgent: "sipdispatch/1.0",
			Transports: []transportConfig{
				{Type: "udp", Host: "127.0.0.1", Port: 5060},
			},
		},
		Dispatch: dispatchConfig{
			Workers:       4,
			QueueCapacity: 5,
			IdleWait:      duration{10 * time.Second},
			AnswerTimeout: duration{30 * time.Second},
		},
		Metrics: metricsConfig{Listen: ""},
	}
}

// loadConfig читает TOML файл поверх значений по умолчанию. Пустой
// путь возвращает конфигурацию по умолчанию.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("чтение конфигурации: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("разбор конфигурации: %w", err)
	}
	return cfg, nil
}

func (c fileConfig) stackConfig() stack.Config {
	transports := make([]stack.TransportConfig, 0, len(c.SIP.Transports))
	for _, t := range c.SIP.Transports {
		transports = append(transports, stack.TransportConfig{
			Type: stack.TransportType(strings.ToUpper(t.Type)),
			Host: t.Host,
			Port: t.Port,
		})
	}
	return stack.Config{
		Contact:     c.SIP.Contact,
		DisplayName: c.SIP.DisplayName,
		UserAgent:   c.SIP.UserAgent,
		Transports:  transports,
	}
}

func (c fileConfig) dispatchConfig() dispatch.Config {
	return dispatch.Config{
		Workers:       c.Dispatch.Workers,
		QueueCapacity: c.Dispatch.QueueCapacity,
		IdleWait:      c.Dispatch.IdleWait.Duration,
		AnswerTimeout: c.Dispatch.AnswerTimeout.Duration,
	}
}
