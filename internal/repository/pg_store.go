package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

// PgStore is the PostgreSQL Store
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

const hostColumns = `name, url, username, password, inbound_id, COALESCE(subscription_url, '')`

func scanHost(row pgx.Row) (*models.Host, error) {
	h := &models.Host{}
	err := row.Scan(&h.Name, &h.URL, &h.Username, &h.Password, &h.InboundID, &h.SubscriptionURL)
	return h, err
}

// GetHost retrieves a host by name
func (s *PgStore) GetHost(ctx context.Context, name string) (*models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM xui_hosts WHERE name = $1`

	h, err := scanHost(s.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	return h, nil
}

// GetAllHosts retrieves every host in registration order
func (s *PgStore) GetAllHosts(ctx context.Context) ([]*models.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM xui_hosts ORDER BY created_at, name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*models.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

const keyColumns = `id, user_id, COALESCE(host_name, ''), COALESCE(client_id, ''), email,
	expiry_date, created_at, COALESCE(subscription_token, '')`

func scanKey(row pgx.Row) (*models.Key, error) {
	k := &models.Key{}
	err := row.Scan(&k.ID, &k.UserID, &k.HostName, &k.ClientID, &k.Email,
		&k.ExpiryDate, &k.CreatedAt, &k.SubscriptionToken)
	return k, err
}

func (s *PgStore) getKey(ctx context.Context, where string, arg interface{}) (*models.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM vpn_keys WHERE ` + where

	k, err := scanKey(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}
	return k, nil
}

// GetKeyByID retrieves a key by id
func (s *PgStore) GetKeyByID(ctx context.Context, id int64) (*models.Key, error) {
	return s.getKey(ctx, "id = $1", id)
}

// GetKeyByEmail retrieves a key by its base email
func (s *PgStore) GetKeyByEmail(ctx context.Context, email string) (*models.Key, error) {
	return s.getKey(ctx, "email = $1", email)
}

// GetKeyBySubscriptionToken retrieves a unified key by token
func (s *PgStore) GetKeyBySubscriptionToken(ctx context.Context, token string) (*models.Key, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getKey(ctx, "subscription_token = $1", token)
}

// GetAllKeysWithSubscriptionToken retrieves every unified key
func (s *PgStore) GetAllKeysWithSubscriptionToken(ctx context.Context) ([]*models.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM vpn_keys
		WHERE subscription_token IS NOT NULL AND subscription_token <> ''
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKeySubscription stores expiry and, when non-empty, the token
func (s *PgStore) UpdateKeySubscription(ctx context.Context, keyID int64, expiry time.Time, token string) error {
	query := `
		UPDATE vpn_keys
		SET expiry_date = $2, subscription_token = COALESCE(NULLIF($3, ''), subscription_token)
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query, keyID, expiry, token)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSetting returns a bot setting, "" when unset
func (s *PgStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(value, '') FROM bot_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// GetKeyHosts returns the newest linkage row per host
func (s *PgStore) GetKeyHosts(ctx context.Context, keyID int64) ([]*models.KeyHost, error) {
	query := `
		SELECT id, key_id, host_name, client_id, email, created_at
		FROM key_hosts
		WHERE key_id = $1
		ORDER BY id
	`

	rows, err := s.pool.Query(ctx, query, keyID)
	if err != nil {
		return nil, fmt.Errorf("query key hosts: %w", err)
	}
	defer rows.Close()

	var all []*models.KeyHost
	for rows.Next() {
		kh := &models.KeyHost{}
		if err := rows.Scan(&kh.ID, &kh.KeyID, &kh.HostName, &kh.ClientID, &kh.Email, &kh.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key host: %w", err)
		}
		all = append(all, kh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return latestPerHost(all), nil
}

// AddKeyHost inserts a linkage row; older rows for the same host are kept
func (s *PgStore) AddKeyHost(ctx context.Context, kh *models.KeyHost) error {
	query := `
		INSERT INTO key_hosts (key_id, host_name, client_id, email)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := s.pool.QueryRow(ctx, query, kh.KeyID, kh.HostName, kh.ClientID, kh.Email).Scan(&kh.ID, &kh.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert key host: %w", err)
	}
	return nil
}

// DeleteKeyHosts removes every linkage row of a key
func (s *PgStore) DeleteKeyHosts(ctx context.Context, keyID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM key_hosts WHERE key_id = $1`, keyID)
	if err != nil {
		return 0, fmt.Errorf("delete key hosts: %w", err)
	}
	return tag.RowsAffected(), nil
}
