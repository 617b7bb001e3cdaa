// Package database ouvre les connexions aux services externes : ScyllaDB,
// Redis, Elasticsearch et MinIO.
package database

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gocql/gocql"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pointapp_back_end/internal/config"
	"pointapp_back_end/internal/ecstore"
)

// Connections regroupe les clients ouverts au démarrage
type Connections struct {
	Scylla  *ScyllaManager
	Redis   *redis.Client
	Elastic *elasticsearch.Client
	MinIO   *minio.Client

	log *zap.Logger
}

// Connect ouvre toutes les connexions ; Elasticsearch et MinIO sont
// optionnels (nil si non configurés).
func Connect(ctx context.Context, cfg config.Config, log *zap.Logger) (*Connections, error) {
	conns := &Connections{log: log}

	// 1. ScyllaDB
	conns.Scylla = NewScyllaManager(cfg.Scylla, log)
	if cfg.Scylla.AutoMigrate {
		if err := conns.Scylla.EnsureKeyspace(); err != nil {
			return nil, err
		}
	}
	session, err := conns.Scylla.Session()
	if err != nil {
		return nil, fmt.Errorf("échec initialisation ScyllaDB: %w", err)
	}
	if cfg.Scylla.AutoMigrate {
		if err := ecstore.Migrate(session); err != nil {
			return nil, err
		}
		log.Info("✅ Schéma ScyllaDB à jour", zap.String("keyspace", cfg.Scylla.Keyspace))
	}

	// 2. Redis
	if conns.Redis, err = ConnectRedis(ctx, cfg.Redis, log); err != nil {
		conns.Close()
		return nil, err
	}

	// 3. Elasticsearch
	if cfg.Elastic.URL != "" {
		if conns.Elastic, err = ConnectElastic(cfg.Elastic, log); err != nil {
			conns.Close()
			return nil, err
		}
	} else {
		log.Warn("⚠️ ELASTIC_URL absent, recherche en mode dégradé")
	}

	// 4. MinIO
	if cfg.MinIO.Endpoint != "" {
		if conns.MinIO, err = ConnectMinIO(cfg.MinIO, log); err != nil {
			conns.Close()
			return nil, err
		}
	} else {
		log.Warn("⚠️ MINIO_ENDPOINT absent, reçus gardés en mémoire")
	}

	log.Info("✅ Toutes les bases de données sont connectées")
	return conns, nil
}

func (c *Connections) Close() {
	if c.Scylla != nil {
		c.Scylla.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.log.Warn("⚠️ fermeture Redis", zap.Error(err))
		}
	}
}

// =============================================
// SCYLLA DB
// =============================================

// ScyllaManager garde une session par keyspace et la recrée si elle ne répond plus
type ScyllaManager struct {
	cfg      config.ScyllaConfig
	log      *zap.Logger
	mu       sync.Mutex
	sessions map[string]*gocql.Session
}

func NewScyllaManager(cfg config.ScyllaConfig, log *zap.Logger) *ScyllaManager {
	return &ScyllaManager{cfg: cfg, log: log, sessions: make(map[string]*gocql.Session)}
}

// NewCluster construit la configuration de cluster pour un keyspace
func NewCluster(cfg config.ScyllaConfig, keyspace string) (*gocql.ClusterConfig, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.NumConns = 20
	cluster.MaxWaitSchemaAgreement = 30 * time.Second
	cluster.ReconnectInterval = time.Second
	// Les LWT (IF ...) passent en LOCAL_SERIAL
	cluster.SerialConsistency = gocql.LocalSerial

	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	if cfg.SSLEnabled {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CACertPath != "" {
			caCert, err := os.ReadFile(cfg.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("impossible de lire le certificat CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, errors.New("impossible de parser le certificat CA")
			}
			tlsCfg.RootCAs = pool
		}
		cluster.SslOpts = &gocql.SslOptions{Config: tlsCfg, EnableHostVerification: true}
	}

	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	return cluster, nil
}

// Session retourne la session du keyspace EC
func (sm *ScyllaManager) Session() (*gocql.Session, error) {
	return sm.GetSession(sm.cfg.Keyspace)
}

// GetSession retourne une session pour un keyspace donné
func (sm *ScyllaManager) GetSession(keyspace string) (*gocql.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if session, exists := sm.sessions[keyspace]; exists {
		if err := session.Query("SELECT now() FROM system.local").Exec(); err == nil {
			return session, nil
		}
		// Session invalide : on la recrée
		session.Close()
		delete(sm.sessions, keyspace)
	}

	cluster, err := NewCluster(sm.cfg, keyspace)
	if err != nil {
		return nil, fmt.Errorf("erreur configuration cluster pour %s: %w", keyspace, err)
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("erreur création session pour %s: %w", keyspace, err)
	}

	sm.sessions[keyspace] = session
	sm.log.Info("✅ Nouvelle session ScyllaDB",
		zap.String("keyspace", keyspace),
		zap.String("role", sm.cfg.Username))
	return session, nil
}

// EnsureKeyspace crée le keyspace EC s'il n'existe pas
func (sm *ScyllaManager) EnsureKeyspace() error {
	cluster, err := NewCluster(sm.cfg, "")
	if err != nil {
		return err
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("connexion ScyllaDB sans keyspace: %w", err)
	}
	defer session.Close()

	rf := sm.cfg.Replication
	if rf <= 0 {
		rf = 1
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'NetworkTopologyStrategy', 'replication_factor': %d}`,
		sm.cfg.Keyspace, rf)
	return session.Query(stmt).Exec()
}

// Close ferme toutes les sessions ScyllaDB
func (sm *ScyllaManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for keyspace, session := range sm.sessions {
		session.Close()
		sm.log.Info("🔌 Session ScyllaDB fermée", zap.String("keyspace", keyspace))
	}
	sm.sessions = make(map[string]*gocql.Session)
}

// =============================================
// REDIS
// =============================================

func ConnectRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("erreur connexion Redis: %w", err)
	}
	log.Info("✅ Connecté à Redis", zap.String("addr", cfg.Addr))
	return client, nil
}

// =============================================
// ELASTICSEARCH
// =============================================

func ConnectElastic(cfg config.ElasticConfig, log *zap.Logger) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("erreur création client Elasticsearch: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("erreur connexion Elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch: %s", res.String())
	}

	log.Info("✅ Connecté à Elasticsearch", zap.String("url", cfg.URL))
	return client, nil
}

// =============================================
// MINIO
// =============================================

func ConnectMinIO(cfg config.MinIOConfig, log *zap.Logger) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("erreur connexion MinIO: %w", err)
	}
	log.Info("✅ Client MinIO prêt", zap.String("endpoint", cfg.Endpoint))
	return client, nil
}
