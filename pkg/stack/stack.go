// Package stack реализует транспортный слой диспетчера поверх sipgo.
//
// Stack объединяет UAS сторону (прием входящих INVITE, ответы на
// входящую ногу) и UAC сторону (создание исходящих ног вызова).
// Для ядра диспетчера Stack является внешним коллаборатором: он
// реализует контракты dispatch.ResponseSender и dispatch.Dialer.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"
)

// InviteHandler - обработчик входящего INVITE. Устанавливается
// диспетчером через OnInvite.
type InviteHandler func(req *sip.Request, tx sip.ServerTransaction)

// SessionEndHandler вызывается когда известная сессия завершается
// входящим BYE. Используется подсистемой бриджинга для завершения
// парной ноги.
type SessionEndHandler func(sessionID string)

// Config содержит конфигурацию SIP стека.
type Config struct {
	// Contact - имя контакта для исходящих запросов
	Contact string
	// DisplayName - отображаемое имя пользователя
	DisplayName string
	// UserAgent - строка User-Agent для SIP запросов
	UserAgent string
	// Transports - конфигурации транспортов (UDP, TCP, WS)
	Transports []TransportConfig
}

// Stack - менеджер SIP транспорта, объединяющий UAS (входящие вызовы)
// и UAC (исходящие ноги) поверх sipgo.
//
// Потокобезопасен для одновременной работы с множеством ног.
type Stack struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	config Config

	// contactURI - наш Contact для исходящих запросов и ответов
	contactURI sip.Uri

	onInvite     InviteHandler
	onSessionEnd SessionEndHandler

	// pending - входящие INVITE транзакции до финального ответа,
	// ключ Call-ID. Нужны для обработки CANCEL.
	pending sync.Map

	// sessions - установленные сессии обеих ног, ключ Call-ID
	sessions sync.Map

	mu sync.RWMutex
}

type pendingInvite struct {
	req *sip.Request
	tx  sip.ServerTransaction
}

// New создает SIP стек с указанной конфигурацией.
func New(cfg Config) (*Stack, error) {
	if len(cfg.Transports) == 0 {
		cfg.Transports = []TransportConfig{DefaultTransportConfig()}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "sipdispatch/1.0"
	}
	if cfg.Contact == "" {
		cfg.Contact = "dispatch"
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("создание user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("создание сервера: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("создание клиента: %w", err)
	}

	s := &Stack{
		ua:     ua,
		server: server,
		client: client,
		config: cfg,
	}

	tc := cfg.Transports[0]
	s.contactURI = sip.Uri{
		Scheme: "sip",
		User:   cfg.Contact,
		Host:   tc.Host,
		Port:   tc.Port,
	}
	// Не-UDP транспорт указывается явно в параметрах Contact URI
	if param := tc.GetTransportParam(); param != "udp" {
		s.contactURI.UriParams = sip.HeaderParams{"transport": param}
	}

	s.onRequests()
	return s, nil
}

// OnInvite устанавливает обработчик входящих INVITE запросов.
func (s *Stack) OnInvite(handler InviteHandler) {
	s.mu.Lock()
	s.onInvite = handler
	s.mu.Unlock()
}

// OnSessionEnd устанавливает обработчик завершения сессий.
func (s *Stack) OnSessionEnd(handler SessionEndHandler) {
	s.mu.Lock()
	s.onSessionEnd = handler
	s.mu.Unlock()
}

// ContactURI возвращает наш Contact URI.
func (s *Stack) ContactURI() sip.Uri {
	return s.contactURI
}

// ListenTransports запускает прослушивание всех сконфигурированных
// транспортов. Блокируется до отмены контекста или первой ошибки.
func (s *Stack) ListenTransports(ctx context.Context) error {
	if len(s.config.Transports) == 0 {
		return fmt.Errorf("нет сконфигурированных транспортов")
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, tc := range s.config.Transports {
		transportConfig := tc

		if err := transportConfig.Validate(); err != nil {
			return fmt.Errorf("некорректная конфигурация транспорта %s: %w", transportConfig.Type, err)
		}

		port := transportConfig.Port
		if port == 0 {
			port = transportConfig.GetDefaultPort()
		}
		addr := fmt.Sprintf("%s:%d", transportConfig.Host, port)

		g.Go(func() error {
			slog.Info("запуск SIP транспорта",
				slog.String("type", string(transportConfig.Type)),
				slog.String("addr", addr))
			return s.server.ListenAndServe(ctx, transportConfig.Network(), addr)
		})
	}

	return g.Wait()
}

// Close закрывает стек и все его транспорты.
func (s *Stack) Close() error {
	var firstErr error
	if err := s.server.Close(); err != nil {
		firstErr = err
	}
	if err := s.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.ua.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Stack) onRequests() {
	s.server.OnInvite(s.handleInvite)
	s.server.OnCancel(s.handleCancel)
	s.server.OnBye(s.handleBye)
	s.server.OnAck(s.handleAck)
	s.server.OnOptions(s.handleOptions)
}

// handleInvite фиксирует незавершенную транзакцию и передает запрос
// обработчику диспетчера.
func (s *Stack) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("не удалось отправить ответ на INVITE без Call-ID",
				slog.Any("error", err))
		}
		return
	}

	slog.Debug("входящий INVITE",
		slog.String("call_id", callID.Value()),
		slog.String("from", req.From().Address.String()))

	s.mu.RLock()
	handler := s.onInvite
	s.mu.RUnlock()

	if handler == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("не удалось отправить 503", slog.Any("error", err))
		}
		return
	}

	s.pending.Store(callID.Value(), &pendingInvite{req: req, tx: tx})
	handler(req, tx)
}

// handleCancel завершает незавершенную входящую транзакцию:
// 200 OK на CANCEL и 487 на исходный INVITE.
func (s *Stack) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("не удалось ответить на CANCEL", slog.Any("error", err))
		}
		return
	}

	value, ok := s.pending.LoadAndDelete(callID.Value())
	if !ok {
		resp := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("не удалось отправить 481 на CANCEL", slog.Any("error", err))
		}
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("не удалось отправить 200 OK на CANCEL",
			slog.Any("error", err),
			slog.String("call_id", callID.Value()))
	}

	p := value.(*pendingInvite)
	terminated := sip.NewResponseFromRequest(p.req, sip.StatusRequestTerminated, "Request Terminated", nil)
	if err := p.tx.Respond(terminated); err != nil {
		slog.Error("не удалось отправить 487 на INVITE после CANCEL",
			slog.Any("error", err),
			slog.String("call_id", callID.Value()))
	}
}

// handleBye завершает установленную сессию и уведомляет подсистему
// бриджинга.
func (s *Stack) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("не удалось ответить на BYE", slog.Any("error", err))
		}
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("не удалось отправить 200 OK на BYE",
			slog.Any("error", err),
			slog.String("call_id", callID.Value()))
	}

	value, ok := s.sessions.LoadAndDelete(callID.Value())
	if !ok {
		slog.Debug("BYE для неизвестной сессии",
			slog.String("call_id", callID.Value()))
		return
	}

	sess := value.(*session)
	slog.Info("сессия завершена удаленной стороной",
		slog.String("call_id", callID.Value()),
		slog.String("session_id", sess.ID()))

	s.mu.RLock()
	onEnd := s.onSessionEnd
	s.mu.RUnlock()
	if onEnd != nil {
		onEnd(sess.ID())
	}
}

func (s *Stack) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	slog.Debug("получен ACK",
		slog.String("call_id", callIDValue(req)))
}

// handleOptions отвечает на keepalive пробы.
func (s *Stack) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("не удалось ответить на OPTIONS", slog.Any("error", err))
	}
}

func callIDValue(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
