package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskflow/internal/db"
	"taskflow/internal/domain"
)

// Writer appends activity log rows inside the caller's transaction so the
// audit entry commits or rolls back with the change it describes.
type Writer struct {
	Now func() time.Time
}

// Entry is one activity record. Old and New are rendered with Value.
type Entry struct {
	EntityType domain.EntityType
	EntityID   string
	ProjectID  string
	Action     domain.ActivityAction
	Old        any
	New        any
	ActorID    string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	oldV, err := Value(e.Old)
	if err != nil {
		return err
	}
	newV, err := Value(e.New)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity_logs(entity_type,entity_id,project_id,action,old_value,new_value,performed_by,performed_at) VALUES (?,?,?,?,?,?,?,?)`,
		string(e.EntityType), e.EntityID, nullable(e.ProjectID), string(e.Action), nullable(oldV), nullable(newV), e.ActorID,
		db.FormatTime(now()))
	if err != nil {
		return fmt.Errorf("appending activity: %w", err)
	}
	return nil
}

// Value renders v for storage: strings as-is, everything else as JSON.
func Value(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	case domain.TaskStatus:
		return string(x), nil
	case domain.ProjectStatus:
		return string(x), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal activity value: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
