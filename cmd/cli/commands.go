package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/i5heu/ouroboros-wave/internal/wsrpc"
	"github.com/i5heu/ouroboros-wave/pkg/client"
	"github.com/i5heu/ouroboros-wave/pkg/model"
	"github.com/i5heu/ouroboros-wave/pkg/rpc"
)

// pollInterval is how often edit checks whether the server caught up.
const pollInterval = 20 * time.Millisecond

type cli struct {
	url         string
	participant model.ParticipantID
	header      http.Header
	logger      *slog.Logger
}

func (c *cli) dial(ctx context.Context) (rpc.Conn, error) {
	return wsrpc.Dial(ctx, c.url, c.header, c.logger)
}

func (c *cli) viewChannel(ctx context.Context) (*client.ViewChannel, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	progress := client.IndexingListenerFunc(func(total, indexed int64) {
		fmt.Fprintf(os.Stderr, "wavelet is being indexed: %d of %d versions\n", indexed, total)
	})
	return client.NewViewChannel(conn, client.ViewConfig{Indexing: progress, Logger: c.logger}), nil
}

func (c *cli) view(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("view needs a wave id")
	}
	v, err := c.viewChannel(ctx)
	if err != nil {
		return err
	}
	defer v.Disconnect()

	views, err := v.FetchWaveView(ctx, rpc.WaveViewFilter{WaveID: model.WaveID(args[0]), WaveletPrefixes: args[1:]})
	if err != nil {
		return err
	}
	for _, w := range views {
		fmt.Printf("%s  version %d  modified %s\n",
			w.WaveletID, w.LastModifiedVersion.Version,
			time.UnixMilli(w.LastModifiedTime).Format(time.RFC3339))
		printFragments(w.Fragments)
	}
	return nil
}

func (c *cli) fragments(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("fragments needs a wave id and a wavelet id")
	}
	v, err := c.viewChannel(ctx)
	if err != nil {
		return err
	}
	defer v.Disconnect()

	resp, err := v.FetchFragments(ctx, rpc.FetchFragmentsRequest{
		Name:       model.NewWaveletName(model.WaveID(args[0]), model.WaveletID(args[1])),
		SegmentIDs: args[2:],
	})
	if err != nil {
		return err
	}
	fmt.Printf("version %d\n", resp.Version)
	printFragments(resp.Fragments)
	return nil
}

func printFragments(fragments []model.Fragment) {
	for _, f := range fragments {
		fmt.Printf("  %-16s @%-6d %q\n", f.SegmentID, f.LastModifiedVersion, f.Content)
	}
}

// failures collects channel failures reported by the multiplexer.
type failures struct {
	err chan error
}

func (f failures) OnOperationChannelCreated(*client.OperationChannel) {}
func (f failures) OnOperationChannelRemoved(model.WaveletName) {}
func (f failures) OnOpenFinished() {}
func (f failures) OnFailed(_ model.WaveletName, err *client.ChannelError) {
	select {
	case f.err <- err:
	default:
	}
}

// edit inserts text into a document. A new wavelet starts with the acting
// participant; an existing one is replayed first so the text lands at the
// end of the document.
func (c *cli) edit(ctx context.Context, args []string, create bool) error {
	if len(args) < 4 {
		return errors.New("edit needs a wave id, a wavelet id, a document and text")
	}
	name := model.NewWaveletName(model.WaveID(args[0]), model.WaveletID(args[1]))
	doc, text := args[2], args[3]

	var target int64
	if !create {
		v, err := c.viewChannel(ctx)
		if err != nil {
			return err
		}
		resp, err := v.FetchFragments(ctx, rpc.FetchFragmentsRequest{Name: name, SegmentIDs: []string{doc}})
		_ = v.Disconnect()
		if err != nil {
			return err
		}
		target = resp.Version
	}

	m, err := client.New(client.Config{
		Participant: c.participant,
		Dial:        c.dial,
		Logger:      c.logger,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	listener := failures{err: make(chan error, 1)}
	var known []client.KnownWavelet
	if !create {
		known = append(known, client.KnownWavelet{Name: name, Version: model.ZeroHashedVersion(name)})
	}
	if err := m.Open(known, listener); err != nil {
		return err
	}

	var channel *client.OperationChannel
	if create {
		if err := waitFor(ctx, listener, func() bool { return m.State() == client.StateConnected }); err != nil {
			return err
		}
		if channel, err = m.CreateOperationChannel(name, c.participant); err != nil {
			return err
		}
	} else {
		err := waitFor(ctx, listener, func() bool {
			var ok bool
			channel, ok = m.OperationChannel(name)
			return ok && channel.Version().Version >= target
		})
		if err != nil {
			return err
		}
	}

	content := replay(channel, doc)
	if err := channel.Send(model.Insert(doc, len(content), text)); err != nil {
		return err
	}
	if err := waitFor(ctx, listener, func() bool { return channel.Pending() == 0 }); err != nil {
		return err
	}
	fmt.Printf("%s at version %d\n", name, channel.Version().Version)
	return nil
}

// replay applies the received operations of doc to an empty text.
func replay(channel *client.OperationChannel, doc string) string {
	var content string
	for {
		op, ok := channel.Receive()
		if !ok {
			return content
		}
		if op.DocumentID != doc {
			continue
		}
		switch op.Kind {
		case model.OpInsert:
			content = content[:op.Pos] + op.Text + content[op.Pos:]
		case model.OpDelete:
			content = content[:op.Pos] + content[op.Pos+op.Length:]
		}
	}
}

func waitFor(ctx context.Context, f failures, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !cond() {
		select {
		case err := <-f.err:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
