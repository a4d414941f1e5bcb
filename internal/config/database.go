package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/C4ne/merge2users/internal/sqlutil"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "merge2users-custom"

// Dialect resolves the configured driver.
func (d *DatabaseConfig) Dialect() (sqlutil.Dialect, error) {
	return sqlutil.ParseDialect(d.Driver)
}

// DSN returns the data source name for the configured driver.
// If ConnectionString is set, it is used directly (with TLS settings applied).
// Otherwise, the DSN is built from the discrete fields.
func (d *DatabaseConfig) DSN() string {
	dialect, err := d.Dialect()
	if err != nil {
		return d.ConnectionString
	}
	switch dialect.Name() {
	case sqlutil.Postgres.Name():
		return d.postgresDSN()
	case sqlutil.SQLite.Name():
		return d.sqliteDSN()
	default:
		return d.mysqlDSN()
	}
}

func (d *DatabaseConfig) mysqlDSN() string {
	var dsn string
	if d.ConnectionString != "" {
		dsn = d.ConnectionString
		if !strings.Contains(dsn, "parseTime") {
			if strings.Contains(dsn, "?") {
				dsn += "&parseTime=true"
			} else {
				dsn += "?parseTime=true"
			}
		}
	} else {
		dsn = fmt.Sprintf(
			"%s:%s@tcp(%s)/%s?parseTime=true",
			d.User,
			d.Password,
			net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			d.Database,
		)
	}

	if tlsParam := d.mysqlTLSParam(); tlsParam != "" && !strings.Contains(dsn, "tls=") {
		dsn += "&tls=" + tlsParam
	}
	return dsn
}

func (d *DatabaseConfig) postgresDSN() string {
	if d.ConnectionString != "" {
		return d.ConnectionString
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}

	query := url.Values{}
	switch d.TLS.Mode {
	case "off":
		query.Set("sslmode", "disable")
	case "skip-verify":
		query.Set("sslmode", "require")
	case "verify-ca", "verify-full":
		query.Set("sslmode", d.TLS.Mode)
	}
	if caFile := d.TLS.resolveCAFile(); caFile != "" {
		query.Set("sslrootcert", caFile)
	}
	if certFile := d.TLS.resolveCertFile(); certFile != "" {
		query.Set("sslcert", certFile)
	}
	if keyFile := d.TLS.resolveKeyFile(); keyFile != "" {
		query.Set("sslkey", keyFile)
	}
	if d.Schema != "" {
		query.Set("search_path", d.Schema)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func (d *DatabaseConfig) sqliteDSN() string {
	if d.ConnectionString != "" {
		return d.ConnectionString
	}
	return "file:" + d.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// EffectiveDatabaseName returns the database the merge runs against: the
// MySQL schema, the PostgreSQL database or "main" for SQLite.
func (d *DatabaseConfig) EffectiveDatabaseName() (string, error) {
	dialect, err := d.Dialect()
	if err != nil {
		return "", err
	}

	configured := strings.TrimSpace(d.Database)
	var fromDSN string
	switch dialect.Name() {
	case sqlutil.SQLite.Name():
		return "main", nil
	case sqlutil.Postgres.Name():
		if dsn := strings.TrimSpace(d.ConnectionString); dsn != "" {
			parsed, err := pgconn.ParseConfig(dsn)
			if err != nil {
				return "", fmt.Errorf("database.dsn is invalid: %w", err)
			}
			fromDSN = parsed.Database
		}
	default:
		if dsn := strings.TrimSpace(d.ConnectionString); dsn != "" {
			parsed, err := mysql.ParseDSN(dsn)
			if err != nil {
				return "", fmt.Errorf("database.dsn is invalid: %w", err)
			}
			fromDSN = strings.TrimSpace(parsed.DBName)
		}
	}

	switch {
	case configured != "" && fromDSN != "" && configured != fromDSN:
		return "", fmt.Errorf("database mismatch: database.database=%q but database.dsn targets %q", configured, fromDSN)
	case configured != "":
		return configured, nil
	case fromDSN != "":
		return fromDSN, nil
	}
	return "", fmt.Errorf("no database configured: set database.database or include it in database.dsn")
}

// mysqlTLSParam returns the tls DSN parameter, or "" when TLS is not configured.
func (d *DatabaseConfig) mysqlTLSParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers a custom TLS configuration with the MySQL driver.
// Must be called before opening a MySQL connection in verify-ca or verify-full
// mode. PostgreSQL reads its certificates from the DSN.
func (d *DatabaseConfig) RegisterTLS() error {
	dialect, err := d.Dialect()
	if err != nil || dialect.Name() != sqlutil.MySQL.Name() {
		return err
	}
	if d.TLS.Mode != "verify-ca" && d.TLS.Mode != "verify-full" {
		return nil
	}

	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	caFile := d.TLS.resolveCAFile()
	certFile := d.TLS.resolveCertFile()
	keyFile := d.TLS.resolveKeyFile()

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = certPool
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else if certFile != "" || keyFile != "" {
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	if d.TLS.Mode == "verify-full" {
		tlsCfg.ServerName = d.TLS.ServerName
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = d.Host
		}
	}
	return tlsCfg, nil
}

func envOr(envName, fallback string) string {
	if envName != "" {
		if path := os.Getenv(envName); path != "" {
			return path
		}
	}
	return fallback
}

func (t *DatabaseTLSConfig) resolveCAFile() string   { return envOr(t.CAFileEnv, t.CAFile) }
func (t *DatabaseTLSConfig) resolveCertFile() string { return envOr(t.CertFileEnv, t.CertFile) }
func (t *DatabaseTLSConfig) resolveKeyFile() string  { return envOr(t.KeyFileEnv, t.KeyFile) }
