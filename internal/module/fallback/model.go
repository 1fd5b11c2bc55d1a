package fallback

import "time"

// Source kinds. Both speak the same hub API; the kind only documents
// what is on the other end.
const (
	KindHuggingFace = "huggingface"
	KindKohakuHub   = "kohakuhub"
)

// Source is one upstream hub consulted when a repository is not local.
// Lower priority values are tried first. A non-empty namespace limits the
// source to repositories under that local namespace.
type Source struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string    `json:"name" gorm:"uniqueIndex;not null"`
	Kind      string    `json:"kind" gorm:"not null;default:huggingface"`
	Endpoint  string    `json:"endpoint" gorm:"not null"`
	Namespace string    `json:"namespace" gorm:"not null;default:''"`
	Token     string    `json:"-"`
	Priority  int       `json:"priority" gorm:"not null;default:100"`
	Enabled   bool      `json:"enabled" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// TableName returns the database table name.
func (Source) TableName() string { return "fallback_sources" }
