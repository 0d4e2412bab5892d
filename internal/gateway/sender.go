// ABOUTME: Outbound sender that follows the daemon across restarts
// ABOUTME: Resolves the current base URL per call and reuses one RPC client per URL

package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-signal/internal/events"
	"github.com/2389/coven-signal/internal/rpc"
)

// daemonSender implements router.Sender. A supervised daemon may come back on
// a different port, so the base URL is looked up on every send.
type daemonSender struct {
	resolve   events.URLSource
	account   string
	maxLength int
	logger    *slog.Logger

	mu     sync.Mutex
	url    string
	client *rpc.Client
}

func newDaemonSender(resolve events.URLSource, account string, maxLength int, logger *slog.Logger) *daemonSender {
	return &daemonSender{
		resolve:   resolve,
		account:   account,
		maxLength: maxLength,
		logger:    logger,
	}
}

func (s *daemonSender) rpcClient(ctx context.Context) (*rpc.Client, error) {
	baseURL, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.url != baseURL {
		s.client = rpc.NewClient(baseURL,
			rpc.WithAccount(s.account),
			rpc.WithMaxMessageLength(s.maxLength),
			rpc.WithLogger(s.logger),
		)
		s.url = baseURL
	}
	return s.client, nil
}

func (s *daemonSender) SendMessage(ctx context.Context, to rpc.Address, text string) error {
	c, err := s.rpcClient(ctx)
	if err != nil {
		return err
	}
	return c.SendMessage(ctx, to, text)
}

func (s *daemonSender) SendTyping(ctx context.Context, to rpc.Address, stop bool) error {
	c, err := s.rpcClient(ctx)
	if err != nil {
		return err
	}
	return c.SendTyping(ctx, to, stop)
}

func (s *daemonSender) SendReadReceipt(ctx context.Context, to rpc.Address, targetTimestamp int64) error {
	c, err := s.rpcClient(ctx)
	if err != nil {
		return err
	}
	return c.SendReadReceipt(ctx, to, targetTimestamp)
}
