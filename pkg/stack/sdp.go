package stack

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// validateSessionDescription проверяет что тело сообщения является
// корректным описанием сессии хотя бы с одной медиа секцией. Нога
// считается established только после финального ответа с пригодным
// SDP.
func validateSessionDescription(raw []byte) error {
	if len(raw) == 0 {
		return fmt.Errorf("пустое описание сессии")
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return fmt.Errorf("разбор SDP: %w", err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return fmt.Errorf("SDP без медиа секций")
	}
	return nil
}

// sessionEndpoint извлекает адрес соединения из SDP для логирования.
// Возвращает пустую строку если адрес не указан или SDP некорректен.
func sessionEndpoint(raw []byte) string {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return ""
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	for _, media := range sd.MediaDescriptions {
		if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
			return media.ConnectionInformation.Address.Address
		}
	}
	return ""
}
