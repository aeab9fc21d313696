package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"replog/internal/future"
	"replog/internal/replog"
)

// Client holds one grpc channel per remote participant. Channels resolve their target through the Registry, so a
// participant that moves only needs to be registered again.
type Client struct {
	registry *Registry
	logger   *zap.Logger
	dialOpts []grpc.DialOption

	// conns is a map[replog.ParticipantID]*grpc.ClientConn.
	conns *sync.Map
}

// NewClient creates a client resolving participants through registry. opts are appended to the default dial options.
func NewClient(registry *Registry, log *zap.Logger, opts ...grpc.DialOption) *Client {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(registry),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}, opts...)
	return &Client{
		registry: registry,
		logger:   log.Named("transport"),
		dialOpts: dialOpts,
		conns:    &sync.Map{},
	}
}

// AddPeer registers addr for id and opens a channel to it. Adding a known peer only updates its address.
func (c *Client) AddPeer(id replog.ParticipantID, addr string) error {
	c.registry.Register(id, addr)
	if _, ok := c.conns.Load(id); ok {
		return nil
	}

	conn, err := grpc.NewClient(target(id), c.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC channel to participant %s: %w", id, err)
	}
	if _, loaded := c.conns.LoadOrStore(id, conn); loaded {
		_ = conn.Close()
		return nil
	}
	c.logger.Debug("Added peer", zap.String("participant", string(id)), zap.String("address", addr))
	return nil
}

// RemovePeer closes the channel to id and forgets its address.
func (c *Client) RemovePeer(id replog.ParticipantID) {
	c.registry.Unregister(id)
	if value, ok := c.conns.LoadAndDelete(id); ok {
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			c.logger.Warn("Failed to close connection to removed peer", zap.String("participant", string(id)), zap.Error(err))
		}
	}
}

func (c *Client) getClientConn(id replog.ParticipantID) (*grpc.ClientConn, error) {
	value, ok := c.conns.Load(id)
	if !ok {
		return nil, fmt.Errorf("no gRPC channel to participant %s", id)
	}
	conn, ok := value.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid channel type for participant %s: %T", id, value)
	}
	return conn, nil
}

// AppendEntries sends req to participant id in a single attempt. Retries are up to the caller.
func (c *Client) AppendEntries(ctx context.Context, id replog.ParticipantID, req replog.AppendEntriesRequest) (replog.AppendEntriesResult, error) {
	conn, err := c.getClientConn(id)
	if err != nil {
		return replog.AppendEntriesResult{}, err
	}
	var res replog.AppendEntriesResult
	if err := conn.Invoke(ctx, appendEntriesMethod, &req, &res); err != nil {
		return replog.AppendEntriesResult{}, fromStatus(id, err)
	}
	return res, nil
}

func fromStatus(id replog.ParticipantID, err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("AppendEntries to %s: %w", id, err)
	}
	var cause error
	switch s.Code() {
	case codes.NotFound:
		cause = replog.ErrLogNotFound
	case codes.DeadlineExceeded:
		cause = context.DeadlineExceeded
	case codes.Canceled:
		cause = context.Canceled
	default:
		return fmt.Errorf("AppendEntries to %s: %w", id, err)
	}
	return fmt.Errorf("AppendEntries to %s: %w: %s", id, cause, s.Message())
}

// Follower returns the leader's handle on the remote participant id.
func (c *Client) Follower(id replog.ParticipantID) *RemoteFollower {
	return &RemoteFollower{id: id, client: c}
}

// CloseAllClients closes every channel opened by the client.
func (c *Client) CloseAllClients() error {
	var errs error
	c.conns.Range(func(key, value any) bool {
		c.conns.Delete(key)
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close connection to %v: %w", key, err))
		}
		return true
	})
	c.logger.Debug("All gRPC client connections closed")
	return errs
}

// RemoteFollower is a follower reached over the network.
type RemoteFollower struct {
	id     replog.ParticipantID
	client *Client
}

func (f *RemoteFollower) ParticipantID() replog.ParticipantID { return f.id }

// AppendEntries runs the call in its own goroutine. The returned future fails when ctx ends first.
func (f *RemoteFollower) AppendEntries(ctx context.Context, req replog.AppendEntriesRequest) *future.Future[replog.AppendEntriesResult] {
	p := future.NewPromise[replog.AppendEntriesResult]()
	go func() {
		res, err := f.client.AppendEntries(ctx, f.id, req)
		if errors.Is(err, replog.ErrLogNotFound) {
			f.client.logger.Debug("Participant does not host log",
				zap.String("participant", string(f.id)), zap.Stringer("log_id", req.LogID))
		}
		p.Complete(res, err)
	}()
	return p.Future()
}
