// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/Thermoquad/metermate/pkg/pda"
)

// ServeHost runs the host link: it announces application mode, then
// answers every framed message read from conn until ctx is cancelled or
// the link closes. A read that returns nothing, or times out, is not an
// error.
func (b *Bridge) ServeHost(ctx context.Context, conn io.ReadWriter) error {
	log := b.log.WithField("component", "host")

	if err := b.send(conn, pda.HelloReply()); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	framer := pda.NewFramer()
	buf := make([]byte, 256)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := conn.Read(buf)
		for _, c := range buf[:n] {
			text, ok := framer.Feed(c)
			if !ok {
				continue
			}

			log.WithField("message", text).Debug("received")
			reply := b.Dispatch(ctx, SourceHost, text)
			if werr := b.send(conn, reply); werr != nil {
				return fmt.Errorf("failed to send %q reply: %w", reply.Command, werr)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info("host link closed")
				return nil
			}
			return fmt.Errorf("host read: %w", err)
		}
	}
}

func (b *Bridge) send(w io.Writer, reply pda.Reply) error {
	data, err := reply.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
