package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
	Close() error
}

// EtcdBus carries node reports between agents and the control plane: one
// JSON document per host under a shared prefix, latest report wins. The
// store's sequence numbers, not etcd revisions, order the reports.
type EtcdBus struct {
	client etcdClient
	prefix string
	logger zerolog.Logger
}

func NewEtcdBus(client etcdClient, prefix string, logger zerolog.Logger) *EtcdBus {
	return &EtcdBus{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

func (b *EtcdBus) hostKey(hostname string) string {
	return fmt.Sprintf("%s/nodes/%s", b.prefix, hostname)
}

// Publish writes a host's report, replacing any previous document for
// that host.
func (b *EtcdBus) Publish(ctx context.Context, rep NodeReport) error {
	value, err := rep.Encode()
	if err != nil {
		return fmt.Errorf("encoding report for %s: %w", rep.Hostname, err)
	}
	if _, err := b.client.Put(ctx, b.hostKey(rep.Hostname), string(value)); err != nil {
		return fmt.Errorf("publishing report for %s: %w", rep.Hostname, err)
	}
	return nil
}

// List returns the last published report for every known host. Documents
// that fail to parse are logged and skipped.
func (b *EtcdBus) List(ctx context.Context) ([]NodeReport, error) {
	resp, err := b.client.Get(ctx, b.prefix+"/nodes/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing node reports: %w", err)
	}
	var reports []NodeReport
	for _, kv := range resp.Kvs {
		rep, err := Decode(kv.Value)
		if err != nil {
			b.logger.Error().Err(err).Str("key", string(kv.Key)).Msg("skipping unparsable node report")
			continue
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// Watch streams reports as agents publish them, until ctx is cancelled.
func (b *EtcdBus) Watch(ctx context.Context) <-chan NodeReport {
	out := make(chan NodeReport)
	watchCh := b.client.Watch(ctx, b.prefix+"/nodes/", clientv3.WithPrefix())
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					b.logger.Info().Msg("report watch channel closed")
					return
				}
				if err := resp.Err(); err != nil {
					b.logger.Error().Err(err).Msg("report watch error")
					continue
				}
				for _, ev := range resp.Events {
					if ev.Type != clientv3.EventTypePut {
						continue
					}
					rep, err := Decode(ev.Kv.Value)
					if err != nil {
						b.logger.Error().Err(err).Str("key", string(ev.Kv.Key)).Msg("skipping unparsable node report")
						continue
					}
					select {
					case out <- rep:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func (b *EtcdBus) Close() error {
	return b.client.Close()
}
