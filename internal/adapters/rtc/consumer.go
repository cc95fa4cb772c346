package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/sfugate/internal/domain"
	"github.com/dkeye/sfugate/internal/media"
)

var ErrConsumerClosed = errors.New("consumer closed")

// Consumer sends one producer's packets to a client. A paused consumer keeps
// its OutTrack registered on the relay in the muted state.
type Consumer struct {
	id       string
	producer *Producer
	sender   *webrtc.RTPSender
	out      *OutTrack
	params   media.RtpParameters
	logger   zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind             { return c.producer.kind }
func (c *Consumer) RtpParameters() media.RtpParameters { return c.params }
func (c *Consumer) Paused() bool                       { return c.out.GetState() == TrackStateMuted }

func (c *Consumer) send(t *Transport, params webrtc.RTPSendParameters) {
	c.logger = t.logger.With().Str("consumer_id", c.id).Str("producer_id", c.producer.id).Logger()
	go func() {
		defer t.router.worker.guard()
		select {
		case <-t.srtpReady:
		case <-c.done:
			return
		}
		if err := c.sender.Send(params); err != nil {
			c.logger.Error().Err(err).Msg("sender start")
			c.out.MarkDelete()
		}
	}()
}

func (c *Consumer) Resume(context.Context) error {
	if c.out.Unmute() {
		c.logger.Info().Msg("consumer resumed")
		return nil
	}
	if c.out.GetState() == TrackStateDelete {
		return ErrConsumerClosed
	}
	return nil
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.MarkDelete()
		err = c.sender.Stop()
		c.logger.Info().Msg("consumer closed")
	})
	return err
}
