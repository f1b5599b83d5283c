package main

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync/atomic"

	"go4.org/netipx"
	"golang.org/x/sync/errgroup"

	"desync-engine/internal/capture"
	"desync-engine/internal/core"
	"desync-engine/internal/engine"
)

// ReplayOptions controls direction detection and parallelism.
type ReplayOptions struct {
	// Local prefixes mark outbound packets by source address. Empty means
	// every packet is outbound.
	Local []netip.Prefix
	// Workers is the number of packet workers. Both directions of a flow go
	// to the same worker so per-flow order is kept.
	Workers int
	// Inject, when set, also receives every packet the engine emits.
	Inject capture.ExtendedSender
}

// teeSender writes to the output pcap and forwards to a live injector. The
// pcap result decides success.
type teeSender struct {
	sink *capture.PcapSink
	live capture.ExtendedSender
}

func (t teeSender) Send(buf []byte, addr capture.Address) bool {
	return t.SendEx(buf, addr, capture.SendOptions{})
}

func (t teeSender) SendEx(buf []byte, addr capture.Address, opts capture.SendOptions) bool {
	if !t.live.SendEx(buf, addr, opts) {
		core.Log.Debugf("Replay", "Live injection failed")
	}
	return t.sink.SendEx(buf, addr, opts)
}

// ReplayStats counts what happened to the input frames.
type ReplayStats struct {
	Read    int `json:"read"`
	Skipped int `json:"skipped"`
	Passed  int `json:"passed"`
	Dropped int `json:"dropped"`
	Written int `json:"written"`
}

type direction func(netip.Addr) bool

func newDirection(local []netip.Prefix) (direction, error) {
	if len(local) == 0 {
		return func(netip.Addr) bool { return true }, nil
	}
	var b netipx.IPSetBuilder
	for _, p := range local {
		b.AddPrefix(p.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return func(a netip.Addr) bool { return set.Contains(a.Unmap()) }, nil
}

// Replay reads every frame from r, runs it through ctrl and writes passed and
// injected packets to w. Frames that are not TCP or UDP over IP are copied
// through unchanged.
func Replay(ctx context.Context, ctrl *engine.Controller, r io.Reader, w io.Writer, opts ReplayOptions) (ReplayStats, error) {
	var stats ReplayStats

	src, err := capture.NewReplaySource(r)
	if err != nil {
		return stats, err
	}
	sink, err := capture.NewPcapSink(w)
	if err != nil {
		return stats, err
	}
	outbound, err := newDirection(opts.Local)
	if err != nil {
		return stats, err
	}
	workers := max(opts.Workers, 1)
	var sender capture.Sender = sink
	if opts.Inject != nil {
		sender = teeSender{sink: sink, live: opts.Inject}
	}

	var passed, dropped atomic.Int64
	queues := make([]chan *capture.Packet, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range queues {
		q := make(chan *capture.Packet, 256)
		queues[i] = q
		g.Go(func() error {
			for pkt := range q {
				if ctrl.Process(pkt, sender) == engine.VerdictDrop {
					dropped.Add(1)
					continue
				}
				if err := sink.Pass(pkt.Buffer, pkt.Addr); err != nil {
					return err
				}
				passed.Add(1)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			frame, err := src.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			stats.Read++

			info, ok := capture.ParseInfo(frame.Data)
			if !ok || !(info.TCP || info.UDP) {
				if err := sink.Pass(frame.Data, capture.Address{Timestamp: frame.Timestamp}); err != nil {
					return err
				}
				passed.Add(1)
				continue
			}
			addr := capture.Address{Outbound: outbound(info.SrcIP), IPv6: info.IPv6, Timestamp: frame.Timestamp}
			pkt := &capture.Packet{Buffer: frame.Data, Info: info, Addr: addr}

			select {
			case queues[info.Key().FlowHash()%uint32(workers)] <- pkt:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	err = g.Wait()
	stats.Skipped = src.Skipped()
	stats.Passed = int(passed.Load())
	stats.Dropped = int(dropped.Load())
	stats.Written = sink.Written()
	if err != nil {
		return stats, err
	}
	core.Log.Infof("Replay", "Read %d frames, wrote %d packets (%d dropped)", stats.Read, stats.Written, stats.Dropped)
	return stats, nil
}
