package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// ConnectionHandler handles a client connection for a specific DB protocol.
type ConnectionHandler interface {
	Handle(ctx context.Context, clientConn net.Conn) error
}

// relayStats reports how much a relay() call moved in each direction,
// so callers can attribute bytes to the cluster node the session was
// built against (PooledConn.NodeID) rather than just a flat total.
type relayStats struct {
	clientToBackend int64
	backendToClient int64
}

// relay copies data bidirectionally between client and backend connections.
// It returns when either side closes or an error occurs.
func relay(ctx context.Context, client, backend net.Conn) (relayStats, error) {
	var wg sync.WaitGroup
	var stats relayStats
	errCh := make(chan error, 2)

	wg.Add(2)

	// Client → Backend
	go func() {
		defer wg.Done()
		n, err := io.Copy(backend, client)
		atomic.AddInt64(&stats.clientToBackend, n)
		errCh <- err
		// Signal the backend that the client is done writing
		if tc, ok := backend.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	// Backend → Client
	go func() {
		defer wg.Done()
		n, err := io.Copy(client, backend)
		atomic.AddInt64(&stats.backendToClient, n)
		errCh <- err
		// Signal the client that the backend is done writing
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	// Wait for context cancellation or one side to finish
	select {
	case <-ctx.Done():
		client.Close()
		backend.Close()
	case err := <-errCh:
		if err != nil && err != io.EOF {
			return stats, err
		}
	}

	wg.Wait()
	return stats, nil
}
