package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/models"
)

// --- Persistence Models ---

type hostModel struct {
	Name            string `gorm:"primaryKey"`
	URL             string `gorm:"not null"`
	Username        string `gorm:"not null"`
	Password        string `gorm:"not null"`
	InboundID       int    `gorm:"not null"`
	SubscriptionURL string
	CreatedAt       time.Time `gorm:"not null;index"`
}

func (hostModel) TableName() string { return "xui_hosts" }

type keyModel struct {
	ID                int64 `gorm:"primaryKey;autoIncrement"`
	UserID            int64 `gorm:"not null"`
	HostName          string
	ClientID          string
	Email             string `gorm:"uniqueIndex;not null"`
	ExpiryDate        *time.Time
	CreatedAt         time.Time `gorm:"not null"`
	SubscriptionToken string    `gorm:"index"`
}

func (keyModel) TableName() string { return "vpn_keys" }

type keyHostModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	KeyID     int64     `gorm:"index;not null"`
	HostName  string    `gorm:"not null"`
	ClientID  string    `gorm:"not null"`
	Email     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (keyHostModel) TableName() string { return "key_hosts" }

type settingModel struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (settingModel) TableName() string { return "bot_settings" }

type syncLogModel struct {
	ID        string `gorm:"primaryKey"`
	KeyID     *int64 `gorm:"index"`
	HostName  string
	Action    string `gorm:"not null"`
	Status    string `gorm:"not null"`
	Message   string
	Metadata  map[string]interface{} `gorm:"serializer:json"`
	CreatedAt time.Time              `gorm:"not null;index"`
}

func (syncLogModel) TableName() string { return "sync_logs" }

// --- Store Implementation ---

// GormStore is the Store for single-node deployments on sqlite
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// InitSchema creates or migrates every table
func (s *GormStore) InitSchema(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&hostModel{}, &keyModel{}, &keyHostModel{}, &settingModel{}, &syncLogModel{},
	)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) GetHost(ctx context.Context, name string) (*models.Host, error) {
	var m hostModel
	if err := s.db.WithContext(ctx).First(&m, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get host: %w", err)
	}
	return fromHostModel(m), nil
}

func (s *GormStore) GetAllHosts(ctx context.Context) ([]*models.Host, error) {
	var rows []hostModel
	if err := s.db.WithContext(ctx).Order("created_at, name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}

	hosts := make([]*models.Host, 0, len(rows))
	for _, m := range rows {
		hosts = append(hosts, fromHostModel(m))
	}
	return hosts, nil
}

// SaveHost registers a host or replaces its settings
func (s *GormStore) SaveHost(ctx context.Context, h *models.Host) error {
	var existing hostModel
	err := s.db.WithContext(ctx).First(&existing, "name = ?", h.Name).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("get host: %w", err)
	}

	m := toHostModel(h)
	m.CreatedAt = existing.CreatedAt
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Save(&m).Error; err != nil {
		return fmt.Errorf("save host: %w", err)
	}
	return nil
}

func (s *GormStore) getKey(ctx context.Context, query string, arg interface{}) (*models.Key, error) {
	var m keyModel
	if err := s.db.WithContext(ctx).First(&m, query, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return fromKeyModel(m), nil
}

func (s *GormStore) GetKeyByID(ctx context.Context, id int64) (*models.Key, error) {
	return s.getKey(ctx, "id = ?", id)
}

func (s *GormStore) GetKeyByEmail(ctx context.Context, email string) (*models.Key, error) {
	return s.getKey(ctx, "email = ?", email)
}

func (s *GormStore) GetKeyBySubscriptionToken(ctx context.Context, token string) (*models.Key, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getKey(ctx, "subscription_token = ?", token)
}

func (s *GormStore) GetAllKeysWithSubscriptionToken(ctx context.Context) ([]*models.Key, error) {
	var rows []keyModel
	err := s.db.WithContext(ctx).
		Where("subscription_token IS NOT NULL AND subscription_token <> ''").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}

	keys := make([]*models.Key, 0, len(rows))
	for _, m := range rows {
		keys = append(keys, fromKeyModel(m))
	}
	return keys, nil
}

// CreateKey inserts a key and fills in its id
func (s *GormStore) CreateKey(ctx context.Context, k *models.Key) error {
	m := toKeyModel(k)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	k.ID = m.ID
	k.CreatedAt = m.CreatedAt
	return nil
}

func (s *GormStore) UpdateKeySubscription(ctx context.Context, keyID int64, expiry time.Time, token string) error {
	updates := map[string]interface{}{"expiry_date": expiry}
	if token != "" {
		updates["subscription_token"] = token
	}

	result := s.db.WithContext(ctx).Model(&keyModel{}).Where("id = ?", keyID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetSetting(ctx context.Context, key string) (string, error) {
	var m settingModel
	if err := s.db.WithContext(ctx).First(&m, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return m.Value, nil
}

// SetSetting writes a bot setting
func (s *GormStore) SetSetting(ctx context.Context, key, value string) error {
	if err := s.db.WithContext(ctx).Save(&settingModel{Key: key, Value: value}).Error; err != nil {
		return fmt.Errorf("save setting: %w", err)
	}
	return nil
}

func (s *GormStore) GetKeyHosts(ctx context.Context, keyID int64) ([]*models.KeyHost, error) {
	var rows []keyHostModel
	if err := s.db.WithContext(ctx).Where("key_id = ?", keyID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query key hosts: %w", err)
	}

	all := make([]*models.KeyHost, 0, len(rows))
	for _, m := range rows {
		all = append(all, &models.KeyHost{
			ID:        m.ID,
			KeyID:     m.KeyID,
			HostName:  m.HostName,
			ClientID:  m.ClientID,
			Email:     m.Email,
			CreatedAt: m.CreatedAt,
		})
	}
	return latestPerHost(all), nil
}

func (s *GormStore) AddKeyHost(ctx context.Context, kh *models.KeyHost) error {
	m := keyHostModel{
		KeyID:     kh.KeyID,
		HostName:  kh.HostName,
		ClientID:  kh.ClientID,
		Email:     kh.Email,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert key host: %w", err)
	}
	kh.ID = m.ID
	kh.CreatedAt = m.CreatedAt
	return nil
}

func (s *GormStore) DeleteKeyHosts(ctx context.Context, keyID int64) (int64, error) {
	result := s.db.WithContext(ctx).Delete(&keyHostModel{}, "key_id = ?", keyID)
	if result.Error != nil {
		return 0, fmt.Errorf("delete key hosts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) LogAction(ctx context.Context, entry *models.SyncLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	m := syncLogModel{
		ID:        entry.ID,
		KeyID:     entry.KeyID,
		HostName:  entry.HostName,
		Action:    entry.Action,
		Status:    entry.Status,
		Message:   entry.Message,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

func (s *GormStore) GetSyncLogs(ctx context.Context, keyID int64, limit int) ([]*models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []syncLogModel
	err := s.db.WithContext(ctx).
		Where("key_id = ?", keyID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query sync logs: %w", err)
	}

	entries := make([]*models.SyncLog, 0, len(rows))
	for _, m := range rows {
		entries = append(entries, &models.SyncLog{
			ID:        m.ID,
			KeyID:     m.KeyID,
			HostName:  m.HostName,
			Action:    m.Action,
			Status:    m.Status,
			Message:   m.Message,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	return entries, nil
}

// --- Mappers ---

func toHostModel(h *models.Host) hostModel {
	return hostModel{
		Name:            h.Name,
		URL:             h.URL,
		Username:        h.Username,
		Password:        h.Password,
		InboundID:       h.InboundID,
		SubscriptionURL: h.SubscriptionURL,
	}
}

func fromHostModel(m hostModel) *models.Host {
	return &models.Host{
		Name:            m.Name,
		URL:             m.URL,
		Username:        m.Username,
		Password:        m.Password,
		InboundID:       m.InboundID,
		SubscriptionURL: m.SubscriptionURL,
	}
}

func toKeyModel(k *models.Key) keyModel {
	return keyModel{
		ID:                k.ID,
		UserID:            k.UserID,
		HostName:          k.HostName,
		ClientID:          k.ClientID,
		Email:             k.Email,
		ExpiryDate:        k.ExpiryDate,
		CreatedAt:         k.CreatedAt,
		SubscriptionToken: k.SubscriptionToken,
	}
}

func fromKeyModel(m keyModel) *models.Key {
	return &models.Key{
		ID:                m.ID,
		UserID:            m.UserID,
		HostName:          m.HostName,
		ClientID:          m.ClientID,
		Email:             m.Email,
		ExpiryDate:        m.ExpiryDate,
		CreatedAt:         m.CreatedAt,
		SubscriptionToken: m.SubscriptionToken,
	}
}
