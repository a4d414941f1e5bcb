package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// OTLPExporterConfig holds OTLP exporter configuration options
type OTLPExporterConfig struct {
	Endpoint          string
	Protocol          string
	Insecure          bool
	TLSCertFile       string
	TLSClientCertFile string
	TLSClientKeyFile  string
	Headers           map[string]string
	Timeout           time.Duration
	Compression       string
	RetryEnabled      bool
	RetryMaxAttempts  int
}

type otlpProtocol string

const (
	otlpProtocolGRPC otlpProtocol = "grpc"
	otlpProtocolHTTP otlpProtocol = "http/protobuf"
)

// Backoff used by every exporter when retries are enabled.
const (
	retryInitialInterval = time.Second
	retryMaxInterval     = 5 * time.Second
	retryMaxElapsed      = 30 * time.Second
)

func parseOTLPProtocol(value string) (otlpProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(otlpProtocolGRPC):
		return otlpProtocolGRPC, nil
	case "http", string(otlpProtocolHTTP):
		return otlpProtocolHTTP, nil
	default:
		return "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http/protobuf)", value)
	}
}

// otlpTarget is an exporter config with the protocol parsed and TLS material
// loaded, shared by the trace and log exporters.
type otlpTarget struct {
	protocol otlpProtocol
	endpoint string
	isURL    bool
	tls      *tls.Config // nil when insecure
	headers  map[string]string
	timeout  time.Duration
	gzip     bool
	retry    bool
}

func resolveTarget(cfg OTLPExporterConfig) (otlpTarget, error) {
	protocol, err := parseOTLPProtocol(cfg.Protocol)
	if err != nil {
		return otlpTarget{}, err
	}
	t := otlpTarget{
		protocol: protocol,
		endpoint: cfg.Endpoint,
		isURL:    strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://"),
		headers:  cfg.Headers,
		timeout:  cfg.Timeout,
		gzip:     cfg.Compression == "gzip",
		retry:    cfg.RetryEnabled && cfg.RetryMaxAttempts > 0,
	}
	if !cfg.Insecure {
		if t.tls, err = buildTLSConfig(cfg); err != nil {
			return otlpTarget{}, err
		}
	}
	return t, nil
}

func buildTLSConfig(cfg OTLPExporterConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCertFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read OTLP TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse OTLP TLS CA file")
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS
	if cfg.TLSClientCertFile != "" || cfg.TLSClientKeyFile != "" {
		if cfg.TLSClientCertFile == "" || cfg.TLSClientKeyFile == "" {
			return nil, fmt.Errorf("OTLP TLS client cert and key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP TLS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func newTraceExporter(ctx context.Context, t otlpTarget) (sdktrace.SpanExporter, error) {
	if t.protocol == otlpProtocolHTTP {
		opts := []otlptracehttp.Option{}
		if t.isURL {
			opts = append(opts, otlptracehttp.WithEndpointURL(t.endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(t.endpoint))
		}
		if t.tls == nil {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			opts = append(opts, otlptracehttp.WithTLSClientConfig(t.tls))
		}
		if len(t.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(t.headers))
		}
		if t.timeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(t.timeout))
		}
		if t.gzip {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		if t.retry {
			opts = append(opts, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: retryInitialInterval,
				MaxInterval:     retryMaxInterval,
				MaxElapsedTime:  retryMaxElapsed,
			}))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(t.endpoint)}
	if t.tls == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(t.tls)))
	}
	if len(t.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(t.headers))
	}
	if t.timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(t.timeout))
	}
	if t.gzip {
		opts = append(opts, otlptracegrpc.WithCompressor("gzip"))
	}
	if t.retry {
		opts = append(opts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsed,
		}))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newLogExporter(ctx context.Context, t otlpTarget) (log.Exporter, error) {
	if t.protocol == otlpProtocolHTTP {
		opts := []otlploghttp.Option{}
		if t.isURL {
			opts = append(opts, otlploghttp.WithEndpointURL(t.endpoint))
		} else {
			opts = append(opts, otlploghttp.WithEndpoint(t.endpoint))
		}
		if t.tls == nil {
			opts = append(opts, otlploghttp.WithInsecure())
		} else {
			opts = append(opts, otlploghttp.WithTLSClientConfig(t.tls))
		}
		if len(t.headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(t.headers))
		}
		if t.timeout > 0 {
			opts = append(opts, otlploghttp.WithTimeout(t.timeout))
		}
		if t.gzip {
			opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		}
		if t.retry {
			opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
				Enabled:         true,
				InitialInterval: retryInitialInterval,
				MaxInterval:     retryMaxInterval,
				MaxElapsedTime:  retryMaxElapsed,
			}))
		}
		return otlploghttp.New(ctx, opts...)
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(t.endpoint)}
	if t.tls == nil {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else {
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(t.tls)))
	}
	if len(t.headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(t.headers))
	}
	if t.timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(t.timeout))
	}
	if t.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if t.retry {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: retryInitialInterval,
			MaxInterval:     retryMaxInterval,
			MaxElapsedTime:  retryMaxElapsed,
		}))
	}
	return otlploggrpc.New(ctx, opts...)
}
