// Package events рассылает записи журнала изменений в NATS JetStream после
// фиксации транзакции.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"featherdb/internal/crud"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	// Stream — поток с записями журнала.
	Stream = "FEATHERDB_CHANGES"
	// SubjectPrefix — субъекты вида featherdb.changes.<Feather>.<action>.
	SubjectPrefix = "featherdb.changes"
)

// Publisher отправляет записи журнала в JetStream.
type Publisher struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *zap.Logger
}

// NewPublisher подключается к NATS и создаёт (или обновляет) поток.
func NewPublisher(ctx context.Context, url string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("events")
	nc, err := nats.Connect(url,
		nats.Name("featherdb"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      Stream,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		// поток мог быть создан другим узлом с иными настройками
		log.Warn("ensure stream", zap.String("stream", Stream), zap.Error(err))
	}
	return &Publisher{nc: nc, js: js, log: log}, nil
}

// Subject — субъект записи: действие в нижнем регистре.
func Subject(e crud.Entry) string {
	return SubjectPrefix + "." + e.Feather + "." + strings.ToLower(e.Action)
}

// Publish отправляет записи по порядку. Ошибка одной записи не останавливает
// остальные: транзакция уже зафиксирована, журнал в базе полон.
func (p *Publisher) Publish(ctx context.Context, entries []crud.Entry) error {
	var first error
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := p.js.Publish(ctx, Subject(e), data); err != nil {
			p.log.Warn("publish change", zap.String("subject", Subject(e)), zap.String("id", e.ObjectID), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("publish %s: %w", Subject(e), err)
			}
		}
	}
	return first
}

// Close закрывает соединение.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
