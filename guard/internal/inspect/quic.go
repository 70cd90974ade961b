package inspect

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocolMCP is negotiated by MCP-over-QUIC peers.
	ALPNProtocolMCP = "mcp-quic-v1"
	// MagicBytesMCP opens the first stream of every connection.
	MagicBytesMCP = "MCP1"

	connErrorProtocolViolation quic.ApplicationErrorCode = 0x03
	connErrorUnsupportedALPN   quic.ApplicationErrorCode = 0x04
	streamErrorProtocol        quic.StreamErrorCode      = 0x01

	quicIdleTimeout = 5 * time.Minute
	quicKeepAlive   = 30 * time.Second
)

// ErrInvalidMagicBytes is returned when a stream does not open with
// MagicBytesMCP.
var ErrInvalidMagicBytes = errors.New("inspect: invalid MCP magic bytes")

// SendMagicBytes writes the stream preamble.
func SendMagicBytes(w io.Writer) error {
	_, err := io.WriteString(w, MagicBytesMCP)
	return err
}

// ValidateMagicBytes consumes and checks the stream preamble.
func ValidateMagicBytes(r io.Reader) error {
	buf := make([]byte, len(MagicBytesMCP))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("inspect: read magic bytes: %w", err)
	}
	if string(buf) != MagicBytesMCP {
		return fmt.Errorf("%w: %q", ErrInvalidMagicBytes, buf)
	}
	return nil
}

// QUICConfig returns the transport settings used on both ends.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicKeepAlive,
		Allow0RTT:       false,
	}
}

// ServerTLSConfig loads certFile/keyFile, or generates a self-signed
// certificate for localhost when both are empty.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if certFile == "" && keyFile == "" {
		cert, err = selfSignedCert()
	} else {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect: tls: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocolMCP},
	}, nil
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"domguard"}, CommonName: "localhost"},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// QUICListener serves one MCP server to every MCP-over-QUIC connection.
type QUICListener struct {
	listener *quic.Listener
	server   *mcp.Server
	logger   *slog.Logger
	closed   atomic.Bool
}

// ListenQUIC binds addr.
func ListenQUIC(addr string, tlsCfg *tls.Config, srv *mcp.Server, logger *slog.Logger) (*QUICListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := quic.ListenAddr(addr, tlsCfg, QUICConfig())
	if err != nil {
		return nil, fmt.Errorf("inspect: listen quic %s: %w", addr, err)
	}
	logger.Info("inspect: MCP QUIC listener ready", "addr", l.Addr().String())
	return &QUICListener{listener: l, server: srv, logger: logger}, nil
}

// Addr returns the bound address.
func (l *QUICListener) Addr() net.Addr { return l.listener.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called.
func (l *QUICListener) Serve(ctx context.Context) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if l.closed.Load() {
				return nil
			}
			l.logger.Error("inspect: quic accept", "error", err)
			continue
		}
		if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
			conn.CloseWithError(connErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

// Close stops accepting connections.
func (l *QUICListener) Close() error {
	l.closed.Store(true)
	return l.listener.Close()
}

func (l *QUICListener) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Warn("inspect: quic accept stream", "remote", remote, "error", err)
		conn.CloseWithError(connErrorProtocolViolation, "stream accept failed")
		return
	}
	if err := ValidateMagicBytes(stream); err != nil {
		l.logger.Warn("inspect: quic magic bytes", "remote", remote, "error", err)
		stream.CancelWrite(streamErrorProtocol)
		stream.CancelRead(streamErrorProtocol)
		conn.CloseWithError(connErrorProtocolViolation, "invalid magic bytes")
		return
	}

	id := "quic_" + uuid.Must(uuid.NewV7()).String()
	ctx = WithTransport(ctx, "mcp_quic")
	ctx = WithSessionID(ctx, id)
	l.logger.Info("inspect: MCP session starting", "session", id, "remote", remote)

	ss, err := l.server.Connect(ctx, &streamTransport{stream: stream, id: id}, nil)
	if err != nil {
		l.logger.Error("inspect: MCP connect", "session", id, "error", err)
		stream.Close()
		return
	}
	if err := ss.Wait(); err != nil {
		l.logger.Debug("inspect: MCP session error", "session", id, "error", err)
	}
	l.logger.Info("inspect: MCP session ended", "session", id, "remote", remote)
}

// streamTransport runs MCP JSON-RPC over one QUIC stream.
type streamTransport struct {
	stream *quic.Stream
	id     string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	iot := &mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: streamWriteCloser{t.stream},
	}
	conn, err := iot.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionConn{Connection: conn, id: t.id}, nil
}

type sessionConn struct {
	mcp.Connection
	id string
}

func (c *sessionConn) SessionID() string { return c.id }

type streamWriteCloser struct{ stream *quic.Stream }

func (w streamWriteCloser) Write(p []byte) (int, error) { return w.stream.Write(p) }
func (w streamWriteCloser) Close() error                { return w.stream.Close() }
