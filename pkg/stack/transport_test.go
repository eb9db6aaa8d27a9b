package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  TransportConfig
		wantErr bool
	}{
		{
			name:   "UDP по умолчанию",
			config: DefaultTransportConfig(),
		},
		{
			name:   "TCP",
			config: TransportConfig{Type: TransportTCP, Host: "0.0.0.0", Port: 5061},
		},
		{
			name:   "WS с путем",
			config: TransportConfig{Type: TransportWS, Host: "127.0.0.1", Port: 8080, WSPath: "/sip"},
		},
		{
			name:    "неизвестный тип",
			config:  TransportConfig{Type: "SCTP", Host: "127.0.0.1", Port: 5060},
			wantErr: true,
		},
		{
			name:    "пустой хост",
			config:  TransportConfig{Type: TransportUDP, Port: 5060},
			wantErr: true,
		},
		{
			name:    "порт вне диапазона",
			config:  TransportConfig{Type: TransportUDP, Host: "127.0.0.1", Port: 70000},
			wantErr: true,
		},
		{
			name:    "WSPath без слеша",
			config:  TransportConfig{Type: TransportWS, Host: "127.0.0.1", Port: 8080, WSPath: "sip"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransportNetwork(t *testing.T) {
	assert.Equal(t, "udp", TransportConfig{Type: TransportUDP}.Network())
	assert.Equal(t, "tcp", TransportConfig{Type: TransportTCP}.Network())
	assert.Equal(t, "ws", TransportConfig{Type: TransportWS}.Network())
}

func TestTransportParam(t *testing.T) {
	assert.Equal(t, "udp", TransportConfig{Type: TransportUDP}.GetTransportParam())
	assert.Equal(t, "tcp", TransportConfig{Type: TransportTCP}.GetTransportParam())
	assert.Equal(t, "ws", TransportConfig{Type: TransportWS}.GetTransportParam())
}

func TestTransportDefaultPort(t *testing.T) {
	assert.Equal(t, 5060, TransportConfig{Type: TransportUDP}.GetDefaultPort())
	assert.Equal(t, 5060, TransportConfig{Type: TransportTCP}.GetDefaultPort())
	assert.Equal(t, 80, TransportConfig{Type: TransportWS}.GetDefaultPort())
}
