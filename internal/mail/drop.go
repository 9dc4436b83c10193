package mail

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"identity-server/internal/storage"
)

// DropConfig describes where DropSender writes messages.
type DropConfig struct {
	Bucket    string
	KeyPrefix string
	From      string
	Logger    logrus.FieldLogger
}

// DropSender writes each message as an .eml object into a bucket that an
// external relay drains, the object-storage equivalent of a pickup directory.
type DropSender struct {
	cfg   DropConfig
	store storage.Service
}

func NewDropSender(cfg DropConfig, store storage.Service) *DropSender {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &DropSender{cfg: cfg, store: store}
}

func (s *DropSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg, err := NewMessage(s.cfg.From, to, subject, htmlBody)
	if err != nil {
		return err
	}
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}

	key := path.Join(strings.Trim(s.cfg.KeyPrefix, "/"), msg.Date.Format("2006/01/02"), msg.ID+".eml")
	location, err := s.store.PutObject(ctx, bytes.NewReader(raw), storage.PutOptions{
		Bucket:      s.cfg.Bucket,
		Key:         key,
		ContentType: "message/rfc822",
	})
	if err != nil {
		return fmt.Errorf("drop message: %w", err)
	}

	s.cfg.Logger.WithField("location", location).Debug("mail dropped")
	return nil
}

var _ Sender = (*DropSender)(nil)
