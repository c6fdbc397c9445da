package etcd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/songzhibin97/proxyrotator/pkg/config"
)

// EtcdSource serves a configuration document stored under one etcd key.
type EtcdSource struct {
	client *clientv3.Client
	key    string

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextID  int
	closed  bool
}

var _ config.Source = (*EtcdSource)(nil)

// EtcdConfig represents etcd connection configuration
type EtcdConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	TLS       *TLSConfig    `yaml:"tls,omitempty"`
}

// TLSConfig represents TLS configuration for etcd
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// NewEtcdSource connects to etcd and checks the first endpoint.
func NewEtcdSource(cfg *EtcdConfig, key string) (*EtcdSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("etcd config cannot be nil")
	}
	if key == "" {
		return nil, fmt.Errorf("etcd key cannot be empty")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}

	clientConfig := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.Timeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}
	if clientConfig.DialTimeout == 0 {
		clientConfig.DialTimeout = 5 * time.Second
	}
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := createTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		clientConfig.TLS = tlsConfig
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientConfig.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return NewWithClient(client, key), nil
}

// NewWithClient wraps an existing client. The source owns it from then on.
func NewWithClient(client *clientv3.Client, key string) *EtcdSource {
	return &EtcdSource{
		client:  client,
		key:     key,
		cancels: make(map[int]context.CancelFunc),
	}
}

// Key returns the watched key.
func (es *EtcdSource) Key() string {
	return es.key
}

// Get returns the current value of the key.
func (es *EtcdSource) Get() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, _, err := es.get(ctx)
	return data, err
}

// Put stores data under the key.
func (es *EtcdSource) Put(ctx context.Context, data []byte) error {
	if _, err := es.client.Put(ctx, es.key, string(data)); err != nil {
		return fmt.Errorf("failed to put key %s: %w", es.key, err)
	}
	return nil
}

func (es *EtcdSource) get(ctx context.Context) ([]byte, int64, error) {
	es.mu.Lock()
	closed := es.closed
	es.mu.Unlock()
	if closed {
		return nil, 0, fmt.Errorf("etcd source is closed")
	}

	resp, err := es.client.Get(ctx, es.key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get key %s from etcd: %w", es.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.Revision, fmt.Errorf("key %s not found in etcd", es.key)
	}
	return resp.Kvs[0].Value, resp.Header.Revision, nil
}

// Watch delivers the current value and then every new value of the key.
// The watch resumes from the last seen revision after errors, so no update
// is lost across reconnects. Deletions are not delivered.
func (es *EtcdSource) Watch(ctx context.Context) (<-chan []byte, error) {
	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()
		return nil, fmt.Errorf("etcd source is closed")
	}
	watchCtx, cancel := context.WithCancel(ctx)
	id := es.nextID
	es.nextID++
	es.cancels[id] = cancel
	es.mu.Unlock()

	ch := make(chan []byte, 1)
	go func() {
		defer func() {
			es.mu.Lock()
			delete(es.cancels, id)
			es.mu.Unlock()
			cancel()
			close(ch)
		}()

		getCtx, getCancel := context.WithTimeout(watchCtx, 5*time.Second)
		data, rev, err := es.get(getCtx)
		getCancel()
		if err == nil {
			select {
			case ch <- data:
			case <-watchCtx.Done():
				return
			}
		}

		for watchCtx.Err() == nil {
			opts := []clientv3.OpOption{}
			if rev > 0 {
				opts = append(opts, clientv3.WithRev(rev+1))
			}
			for resp := range es.client.Watch(clientv3.WithRequireLeader(watchCtx), es.key, opts...) {
				if resp.CompactRevision != 0 {
					rev = resp.CompactRevision - 1
				}
				if resp.Err() != nil {
					break
				}
				for _, ev := range resp.Events {
					rev = ev.Kv.ModRevision
					if ev.Type != clientv3.EventTypePut {
						continue
					}
					select {
					case ch <- ev.Kv.Value:
					case <-watchCtx.Done():
						return
					}
				}
			}

			select {
			case <-watchCtx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
	return ch, nil
}

// Close stops every watch and closes the client.
func (es *EtcdSource) Close() error {
	es.mu.Lock()
	if es.closed {
		es.mu.Unlock()
		return nil
	}
	es.closed = true
	for _, cancel := range es.cancels {
		cancel()
	}
	es.mu.Unlock()

	return es.client.Close()
}

func createTLSConfig(tlsConfig *TLSConfig) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}

	if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if tlsConfig.CAFile != "" {
		pem, err := os.ReadFile(tlsConfig.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", tlsConfig.CAFile)
		}
		config.RootCAs = pool
	}

	return config, nil
}
