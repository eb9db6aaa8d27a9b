// Package routing содержит реализации политики выбора направления
// для диспетчера (dispatch.Resolver).
//
// Поддерживаются три политики:
//   - Static - точная таблица user -> SIP URI
//   - Prefix - упорядоченные правила по префиксу номера (longest match)
//   - Chain - последовательная цепочка резолверов, первый ответ выигрывает
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipdispatch/pkg/dispatch"
)

// Static - резолвер по точной таблице пользователей.
//
// Ключом служит user-часть Request-URI входящего INVITE. Таблица
// может обновляться на лету; операции thread-safe.
type Static struct {
	mu      sync.RWMutex
	targets map[string]dispatch.Destination
}

// NewStatic создает статический резолвер с начальной таблицей.
// Ключи - имена пользователей, значения - SIP URI назначения.
func NewStatic(targets map[string]string) (*Static, error) {
	s := &Static{targets: make(map[string]dispatch.Destination, len(targets))}
	for user, target := range targets {
		if err := s.Set(user, target); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Set добавляет или заменяет запись таблицы.
func (s *Static) Set(user, target string) error {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return fmt.Errorf("некорректный URI назначения %q: %w", target, err)
	}
	s.mu.Lock()
	s.targets[user] = dispatch.Destination{URI: uri}
	s.mu.Unlock()
	return nil
}

// Delete удаляет запись таблицы.
func (s *Static) Delete(user string) {
	s.mu.Lock()
	delete(s.targets, user)
	s.mu.Unlock()
}

// Resolve реализует dispatch.Resolver.
func (s *Static) Resolve(_ context.Context, req *sip.Request) (*dispatch.Destination, error) {
	user := req.Recipient.User
	s.mu.RLock()
	dest, ok := s.targets[user]
	s.mu.RUnlock()
	if !ok {
		return nil, dispatch.ErrNoRoute
	}
	d := dest
	return &d, nil
}

// PrefixRule - одно правило префиксной маршрутизации.
type PrefixRule struct {
	// Prefix - префикс user-части Request-URI
	Prefix string
	// Target - SIP URI шлюза направления
	Target string
	// Transport - транспорт исходящей ноги (опционально)
	Transport string
}

// Prefix - резолвер по префиксу номера.
//
// Правила сортируются по убыванию длины префикса: выигрывает самое
// длинное совпадение, порядок объявления разрешает ничьи.
type Prefix struct {
	rules []prefixRule
}

type prefixRule struct {
	prefix    string
	dest      dispatch.Destination
	order     int
}

// NewPrefix создает префиксный резолвер из набора правил.
func NewPrefix(rules []PrefixRule) (*Prefix, error) {
	p := &Prefix{rules: make([]prefixRule, 0, len(rules))}
	for i, r := range rules {
		var uri sip.Uri
		if err := sip.ParseUri(r.Target, &uri); err != nil {
			return nil, fmt.Errorf("правило %d: некорректный URI %q: %w", i, r.Target, err)
		}
		p.rules = append(p.rules, prefixRule{
			prefix: r.Prefix,
			dest:   dispatch.Destination{URI: uri, Transport: r.Transport},
			order:  i,
		})
	}
	sort.SliceStable(p.rules, func(a, b int) bool {
		if len(p.rules[a].prefix) != len(p.rules[b].prefix) {
			return len(p.rules[a].prefix) > len(p.rules[b].prefix)
		}
		return p.rules[a].order < p.rules[b].order
	})
	return p, nil
}

// Resolve реализует dispatch.Resolver.
//
// URI назначения сохраняет user-часть исходного запроса: правило
// определяет только хост шлюза.
func (p *Prefix) Resolve(_ context.Context, req *sip.Request) (*dispatch.Destination, error) {
	user := req.Recipient.User
	for _, r := range p.rules {
		if strings.HasPrefix(user, r.prefix) {
			dest := r.dest
			dest.URI.User = user
			return &dest, nil
		}
	}
	return nil, dispatch.ErrNoRoute
}

// Chain - последовательная цепочка резолверов.
//
// Резолверы опрашиваются по порядку; ErrNoRoute передает ход
// следующему, любая другая ошибка прерывает цепочку.
type Chain []dispatch.Resolver

// Resolve реализует dispatch.Resolver.
func (c Chain) Resolve(ctx context.Context, req *sip.Request) (*dispatch.Destination, error) {
	for _, r := range c {
		dest, err := r.Resolve(ctx, req)
		if err == nil {
			return dest, nil
		}
		if !errors.Is(err, dispatch.ErrNoRoute) {
			return nil, err
		}
	}
	return nil, dispatch.ErrNoRoute
}
