package stack

import (
	"fmt"
	"strings"
)

// TransportType определяет тип транспортного протокола
type TransportType string

const (
	// TransportUDP - UDP транспорт
	TransportUDP TransportType = "UDP"
	// TransportTCP - TCP транспорт
	TransportTCP TransportType = "TCP"
	// TransportWS - WebSocket транспорт
	TransportWS TransportType = "WS"
)

// TransportConfig содержит конфигурацию транспортного протокола
type TransportConfig struct {
	// Type - тип транспорта
	Type TransportType

	Host string

	Port int

	// WSPath - путь для WebSocket соединения (по умолчанию "/")
	WSPath string
}

// DefaultTransportConfig возвращает конфигурацию транспорта по умолчанию (UDP)
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Type:   TransportUDP,
		Host:   "127.0.0.1",
		Port:   5060,
		WSPath: "/",
	}
}

// Validate проверяет корректность конфигурации транспорта
func (tc TransportConfig) Validate() error {
	switch tc.Type {
	case TransportUDP, TransportTCP, TransportWS:
		// Валидные типы транспорта
	default:
		return fmt.Errorf("неизвестный тип транспорта: %s", tc.Type)
	}

	if tc.Host == "" {
		return fmt.Errorf("не задан хост транспорта")
	}

	if tc.Port < 0 || tc.Port > 65535 {
		return fmt.Errorf("некорректный порт транспорта: %d", tc.Port)
	}

	if tc.Type == TransportWS {
		if tc.WSPath != "" && !strings.HasPrefix(tc.WSPath, "/") {
			return fmt.Errorf("WSPath должен начинаться с /")
		}
	}

	return nil
}

// GetDefaultPort возвращает стандартный порт для типа транспорта
func (tc TransportConfig) GetDefaultPort() int {
	switch tc.Type {
	case TransportWS:
		return 80
	default:
		return 5060
	}
}

// GetTransportParam возвращает параметр transport для заголовков Via и Contact
func (tc TransportConfig) GetTransportParam() string {
	switch tc.Type {
	case TransportTCP:
		return "tcp"
	case TransportWS:
		return "ws"
	default:
		return "udp"
	}
}

// Network возвращает имя сети для sipgo ListenAndServe
func (tc TransportConfig) Network() string {
	switch tc.Type {
	case TransportTCP:
		return "tcp"
	case TransportWS:
		return "ws"
	default:
		return "udp"
	}
}
