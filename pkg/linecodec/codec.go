package linecodec

import (
	"github.com/cuemby/burrow/pkg/channel"
	"github.com/rs/zerolog"
)

// Codec binds a Decoder and the encoder to a Channel. Outgoing records are
// queued on the channel and flushed whenever it is writable; incoming
// records are passed to OnRecord on the loop.
type Codec struct {
	ch      *channel.Channel
	decoder *Decoder
	logger  zerolog.Logger

	// OnRecord receives each complete inbound record.
	OnRecord func(record string)

	// OnOversize is called after oversized records were discarded. The
	// default only logs.
	OnOversize func(err error)

	// OnClose is called once when the channel reports EOF or an error.
	OnClose func(err error)
}

// Attach wires a Codec to ch and starts the channel.
func Attach(ch *channel.Channel, maxLine int, logger zerolog.Logger, onRecord func(string), onClose func(error)) *Codec {
	c := &Codec{
		ch:       ch,
		decoder:  NewDecoder(maxLine),
		logger:   logger,
		OnRecord: onRecord,
		OnClose:  onClose,
	}
	ch.Start(c)
	return c
}

// Send queues record followed by a newline.
func (c *Codec) Send(record string) error {
	buf, err := Encode(record)
	if err != nil {
		return err
	}
	_, err = c.ch.Write(buf)
	return err
}

// Channel returns the underlying channel.
func (c *Codec) Channel() *channel.Channel {
	return c.ch
}

// Close closes the underlying channel after flushing queued records.
func (c *Codec) Close() error {
	return c.ch.Close()
}

func (c *Codec) HandleData(_ *channel.Channel, data []byte) {
	records, err := c.decoder.Feed(data)
	for _, record := range records {
		if c.OnRecord != nil {
			c.OnRecord(record)
		}
	}
	if err != nil {
		c.logger.Error().Err(err).Str("channel", c.ch.Name()).Msg("discarded oversized record")
		if c.OnOversize != nil {
			c.OnOversize(err)
		}
	}
}

func (c *Codec) HandleClose(_ *channel.Channel, err error) {
	if c.OnClose != nil {
		c.OnClose(err)
	}
}
