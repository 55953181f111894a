package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ksred/klear-queue/internal/auth"
	"github.com/ksred/klear-queue/pkg/response"
)

// Record is a persisted notification. Broadcast records are shared by all users.
type Record struct {
	ID             uint      `gorm:"primarykey" json:"-"`
	NotificationID string    `gorm:"uniqueIndex" json:"notification_id"`
	Recipient      string    `gorm:"index" json:"recipient"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Metadata       string    `json:"metadata,omitempty"`
	Read           bool      `gorm:"column:is_read" json:"read"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"-"`
}

func (Record) TableName() string {
	return "notifications"
}

// Database is a Notifier that stores notifications as a per-user inbox
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Notify(ctx context.Context, n Notification) error {
	meta := ""
	if len(n.Metadata) > 0 {
		raw, err := json.Marshal(n.Metadata)
		if err != nil {
			return err
		}
		meta = string(raw)
	}

	record := &Record{
		NotificationID: uuid.New().String(),
		Recipient:      n.Recipient,
		Type:           n.Type,
		Title:          n.Title,
		Message:        n.Message,
		Metadata:       meta,
		CreatedAt:      n.CreatedAt,
	}
	return d.db.WithContext(ctx).Create(record).Error
}

// ListForUser returns the newest notifications visible to userID, including broadcasts
func (d *Database) ListForUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var records []Record
	err := d.db.WithContext(ctx).
		Where("recipient IN ?", []string{userID, Broadcast}).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// MarkRead flags a user's own notification as read
func (d *Database) MarkRead(ctx context.Context, userID, notificationID string) error {
	result := d.db.WithContext(ctx).Model(&Record{}).
		Where("notification_id = ? AND recipient = ?", notificationID, userID).
		Update("is_read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GinHandlers contains HTTP handlers for the notification inbox
type GinHandlers struct {
	db *Database
}

func NewGinHandlers(db *Database) *GinHandlers {
	return &GinHandlers{db: db}
}

func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.ResolveCurrentUser(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}

		var query struct {
			Limit int `form:"limit"`
		}
		if err := c.ShouldBindQuery(&query); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		records, err := h.db.ListForUser(c.Request.Context(), userID, query.Limit)
		response.Handle(c, records, err)
	}
}

func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.ResolveCurrentUser(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}

		if err := h.db.MarkRead(c.Request.Context(), userID, c.Param("notification_id")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "notification marked as read"})
	}
}
