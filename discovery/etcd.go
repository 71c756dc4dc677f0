// Package discovery publishes and reads the relay directory kept in etcd.
// Each relay is one key under a prefix, leased so that a relay which stops
// renewing drops out on its own.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/limedotxyz/limescan/pkg/registry"
)

const DefaultPrefix = "/limescan/relays/"

var errWatchClosed = errors.New("watch relays: channel closed")

// Record is the JSON value stored per relay. Stake is a decimal wei amount.
type Record struct {
	Operator string `json:"operator"`
	URL      string `json:"url"`
	Stake    string `json:"stake"`
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// DefaultRetry is the pause before a broken watch restarts from a fresh
// load.
const DefaultRetry = 2 * time.Second

type Directory struct {
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
	prefix  string
	reg     *registry.Registry
	log     *zap.Logger
	retry   time.Duration
}

func NewDirectory(cli *clientv3.Client, prefix string, reg *registry.Registry, log *zap.Logger) *Directory {
	d := newDirectory(nil, nil, nil, prefix, reg, log)
	if cli != nil {
		d.kv, d.lease, d.watcher = cli, cli, cli
	}
	return d
}

func newDirectory(kv clientv3.KV, lease clientv3.Lease, watcher clientv3.Watcher, prefix string, reg *registry.Registry, log *zap.Logger) *Directory {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{
		kv:      kv,
		lease:   lease,
		watcher: watcher,
		prefix:  prefix,
		reg:     reg,
		log:     log,
		retry:   DefaultRetry,
	}
}

// Key is where rec's operator is stored.
func Key(prefix string, operator common.Address) string {
	return prefix + strings.ToLower(operator.Hex())
}

// Announce writes rec under a lease of ttl seconds and keeps the lease alive
// until ctx is done.
func (d *Directory) Announce(ctx context.Context, rec Record, ttl int64) (clientv3.LeaseID, error) {
	if !common.IsHexAddress(rec.Operator) {
		return 0, fmt.Errorf("announce: bad operator %q", rec.Operator)
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("announce: %w", err)
	}

	lease, err := d.lease.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("announce: grant lease: %w", err)
	}
	key := Key(d.prefix, common.HexToAddress(rec.Operator))
	if _, err := d.kv.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("announce: put %s: %w", key, err)
	}

	ka, err := d.lease.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("announce: keepalive: %w", err)
	}
	go func() {
		for range ka {
		}
		d.log.Info("relay_lease_ended", zap.String("key", key))
	}()

	d.log.Info("relay_announced", zap.String("key", key), zap.String("url", rec.URL))
	return lease.ID, nil
}

// List reads every record under the prefix and the revision it was read at.
func (d *Directory) List(ctx context.Context) ([]Record, int64, error) {
	resp, err := d.kv.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list relays: %w", err)
	}
	recs := make([]Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := DecodeRecord(kv.Value)
		if err != nil {
			d.log.Warn("relay_record_skipped", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, resp.Header.Revision, nil
}

// Load replaces the registry contents with the directory and returns the
// etcd revision loaded.
func (d *Directory) Load(ctx context.Context) (int64, error) {
	recs, rev, err := d.List(ctx)
	if err != nil {
		return 0, err
	}
	n, errs := Apply(d.reg, recs)
	for _, err := range errs {
		d.log.Warn("relay_rejected", zap.Error(err))
	}
	d.log.Info("relay_directory_loaded", zap.Int("relays", n), zap.Int64("revision", rev))
	return rev, nil
}

// Watch loads the directory, then reloads it on every change under the
// prefix, calling onChange after each load. A failed load or a broken watch,
// e.g. one whose revision was compacted away, starts over from a fresh load
// after the retry delay. Watch returns when ctx is done.
func (d *Directory) Watch(ctx context.Context, onChange func()) error {
	for {
		err := d.watch(ctx, onChange)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.log.Warn("relay_watch_restarting", zap.Error(err), zap.Duration("retry_in", d.retry))
		t := time.NewTimer(d.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (d *Directory) watch(ctx context.Context, onChange func()) error {
	rev, err := d.Load(ctx)
	if err != nil {
		return err
	}
	if onChange != nil {
		onChange()
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wch := d.watcher.Watch(clientv3.WithRequireLeader(wctx), d.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("watch relays: %w", err)
		}
		for _, ev := range resp.Events {
			switch ev.Type {
			case mvccpb.PUT:
				d.log.Debug("relay_put", zap.ByteString("key", ev.Kv.Key))
			case mvccpb.DELETE:
				d.log.Debug("relay_deleted", zap.ByteString("key", ev.Kv.Key))
			}
		}
		if _, err := d.Load(ctx); err != nil {
			d.log.Warn("relay_reload_failed", zap.Error(err))
			continue
		}
		if onChange != nil {
			onChange()
		}
	}
	return errWatchClosed
}

func DecodeRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode relay record: %w", err)
	}
	if !common.IsHexAddress(rec.Operator) {
		return Record{}, fmt.Errorf("decode relay record: bad operator %q", rec.Operator)
	}
	return rec, nil
}

// Apply replaces the contents of reg with recs in one swap. Records with an
// unreadable stake are reported first, then those the registry refuses.
func Apply(reg *registry.Registry, recs []Record) (int, []error) {
	var errs []error
	listings := make([]registry.Listing, 0, len(recs))
	for _, rec := range recs {
		stake, err := registry.ParseStake(rec.Stake)
		if err != nil {
			errs = append(errs, fmt.Errorf("relay %s: %w", rec.Operator, err))
			continue
		}
		listings = append(listings, registry.Listing{
			Operator: common.HexToAddress(rec.Operator),
			URL:      rec.URL,
			Stake:    stake,
		})
	}
	for _, err := range reg.Replace(listings) {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	return reg.Count(), errs
}
