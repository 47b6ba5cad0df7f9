package passage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Source fetches passages from somewhere slow.
type Source interface {
	Fetch(ctx context.Context, n int) ([]string, error)
}

type Passage struct {
	ID        uint   `gorm:"primaryKey"`
	Text      string `gorm:"not null"`
	CreatedAt time.Time
}

type GormSource struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*GormSource, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGormSource(db), nil
}

func NewGormSource(db *gorm.DB) *GormSource {
	return &GormSource{db: db}
}

func (g *GormSource) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(&Passage{})
}

func (g *GormSource) Fetch(ctx context.Context, n int) ([]string, error) {
	var texts []string
	err := g.db.WithContext(ctx).
		Model(&Passage{}).
		Where("text <> ''").
		Order("RANDOM()").
		Limit(n).
		Pluck("text", &texts).Error
	if err != nil {
		return nil, fmt.Errorf("fetch passages: %w", err)
	}
	return texts, nil
}

func (g *GormSource) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Pool keeps a buffer of passages from a Source so Next never blocks on I/O.
// When the buffer is empty it falls back to another Provider.
type Pool struct {
	src      Source
	fallback Provider
	buf      chan string
	interval time.Duration
	log      *zap.Logger
}

func NewPool(src Source, fallback Provider, size int, log *zap.Logger) *Pool {
	return &Pool{
		src:      src,
		fallback: fallback,
		buf:      make(chan string, size),
		interval: 5 * time.Second,
		log:      log,
	}
}

func (p *Pool) Next() string {
	select {
	case t := <-p.buf:
		return t
	default:
		return p.fallback.Next()
	}
}

// Run refills the buffer until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.refill(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	want := cap(p.buf) - len(p.buf)
	if want <= cap(p.buf)/2 {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	texts, err := p.src.Fetch(fetchCtx, want)
	if err != nil {
		p.log.Warn("passage refill failed", zap.Error(err))
		return
	}
	for _, t := range texts {
		select {
		case p.buf <- t:
		default:
			return
		}
	}
	p.log.Debug("passage pool refilled", zap.Int("fetched", len(texts)), zap.Int("buffered", len(p.buf)))
}
