// Package notify schedules deadline reminders. Delivery is owned by an
// external notification service that polls the outbox; this package only
// decides what should be sent and when.
package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/edudirectory/edusync/pkg/records"
)

// Scheduler is the notification collaborator used by the cascade applier.
// ScheduleReminder returns how many reminders it queued.
type Scheduler interface {
	ScheduleReminder(ctx context.Context, entityID string, whenBefore time.Time, payload map[string]any) (int, error)
	WithTx(tx *gorm.DB) Scheduler
}

var _ Scheduler = (*Outbox)(nil)

// Reminder states.
const (
	StatePending    = "pending"
	StateSuperseded = "superseded"
	StateSent       = "sent"
)

// PayloadField is the payload key naming the changed field. Reminders for
// the same entity and field replace each other.
const PayloadField = "field"

// Config controls reminder scheduling.
type Config struct {
	// LeadDays lists how many days before the event each reminder fires.
	LeadDays []int `mapstructure:"lead_days"`
}

// DefaultConfig returns the default reminder configuration.
func DefaultConfig() *Config {
	return &Config{LeadDays: []int{7, 1}}
}

// Reminder is the GORM model for a scheduled reminder.
type Reminder struct {
	ID         string          `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	EntityID   string          `gorm:"column:entity_id;index:idx_reminder_entity;not null" json:"entityId"`
	Field      string          `gorm:"column:field;index:idx_reminder_entity" json:"field,omitempty"`
	EventAt    time.Time       `gorm:"column:event_at;not null" json:"eventAt"`
	RemindAt   time.Time       `gorm:"column:remind_at;index:idx_reminder_due,priority:2;not null" json:"remindAt"`
	State      string          `gorm:"column:state;index:idx_reminder_due,priority:1;not null" json:"state"`
	Payload    records.JSONAny `gorm:"column:payload;type:text" json:"payload,omitempty"`
	CreatedAt  time.Time       `gorm:"column:created_at;not null" json:"createdAt"`
	ResolvedAt *time.Time      `gorm:"column:resolved_at" json:"resolvedAt,omitempty"`
}

// TableName returns the GORM table name.
func (Reminder) TableName() string { return "reminders" }

// Outbox is a Scheduler that persists reminders in the service database.
type Outbox struct {
	db  *gorm.DB
	cfg *Config
	now func() time.Time
}

// NewOutbox creates a new Outbox. A nil cfg uses DefaultConfig.
func NewOutbox(db *gorm.DB, cfg *Config) *Outbox {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Outbox{db: db, cfg: cfg, now: time.Now}
}

// WithTx returns an Outbox bound to the given transaction.
func (o *Outbox) WithTx(tx *gorm.DB) Scheduler {
	return &Outbox{db: tx, cfg: o.cfg, now: o.now}
}

// AutoMigrate creates or updates the reminders table.
func (o *Outbox) AutoMigrate() error {
	return o.db.AutoMigrate(&Reminder{})
}

// ScheduleReminder implements Scheduler. Pending reminders for the same
// entity and field are superseded, then one reminder per lead day is queued.
// Reminders whose time has already passed are skipped and not counted.
func (o *Outbox) ScheduleReminder(ctx context.Context, entityID string, whenBefore time.Time, payload map[string]any) (int, error) {
	now := o.now().UTC()
	field, _ := payload[PayloadField].(string)

	err := o.db.WithContext(ctx).Model(&Reminder{}).
		Where("entity_id = ? AND field = ? AND state = ?", entityID, field, StatePending).
		Updates(map[string]any{"state": StateSuperseded, "resolved_at": now}).Error
	if err != nil {
		return 0, fmt.Errorf("supersede reminders: %w", err)
	}

	queued := 0
	leads := append([]int(nil), o.cfg.LeadDays...)
	sort.Sort(sort.Reverse(sort.IntSlice(leads)))
	for _, days := range leads {
		at := whenBefore.Add(-time.Duration(days) * 24 * time.Hour)
		if !at.After(now) {
			continue
		}
		body := records.JSONAny(payload).Clone()
		if body == nil {
			body = records.JSONAny{}
		}
		body["leadDays"] = days
		r := Reminder{
			ID:        uuid.New().String(),
			EntityID:  entityID,
			Field:     field,
			EventAt:   whenBefore.UTC(),
			RemindAt:  at.UTC(),
			State:     StatePending,
			Payload:   body,
			CreatedAt: now,
		}
		if err := o.db.WithContext(ctx).Create(&r).Error; err != nil {
			return queued, fmt.Errorf("create reminder: %w", err)
		}
		queued++
	}
	return queued, nil
}

// Due returns pending reminders whose time is at or before `before`,
// earliest first.
func (o *Outbox) Due(ctx context.Context, before time.Time, limit int) ([]Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Reminder
	err := o.db.WithContext(ctx).
		Where("state = ? AND remind_at <= ?", StatePending, before.UTC()).
		Order("remind_at ASC").Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	return out, nil
}

// ForEntity returns every reminder of an entity, newest first.
func (o *Outbox) ForEntity(ctx context.Context, entityID string) ([]Reminder, error) {
	var out []Reminder
	err := o.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("created_at DESC").Order("remind_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list entity reminders: %w", err)
	}
	return out, nil
}

// MarkSent acknowledges delivery of a pending reminder. It returns false if
// the reminder was not pending.
func (o *Outbox) MarkSent(ctx context.Context, id string) (bool, error) {
	now := o.now().UTC()
	result := o.db.WithContext(ctx).Model(&Reminder{}).
		Where("id = ? AND state = ?", id, StatePending).
		Updates(map[string]any{"state": StateSent, "resolved_at": now})
	if result.Error != nil {
		return false, fmt.Errorf("mark reminder sent: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}
