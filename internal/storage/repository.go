package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	selectVendorPayloadSQL = `SELECT payload
    FROM vendor_products
    WHERE source = $1
      AND product_key = $2;`

	upsertVendorProductSQL = `INSERT INTO vendor_products (
        source,
        product_key,
        payload,
        updated_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (source, product_key) DO UPDATE
    SET
        payload    = EXCLUDED.payload,
        updated_at = EXCLUDED.updated_at;`

	listVendorKeysSQL = `SELECT product_key
    FROM vendor_products
    WHERE source = $1
    ORDER BY product_key
    LIMIT $2;`

	countVendorProductsSQL = `SELECT COUNT(*) FROM vendor_products WHERE source = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// VendorProductStore serves and maintains legacy vendor rows.
type VendorProductStore interface {
	VendorPayload(ctx context.Context, source, key string) ([]byte, bool, error)
	UpsertVendorProduct(ctx context.Context, product VendorProduct) error
	ListVendorKeys(ctx context.Context, source string, limit int) ([]string, error)
	CountVendorProducts(ctx context.Context, source string) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store wraps the pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the conn is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// VendorPayload returns the stored payload for (source, key). A missing row is
// reported as not found rather than an error.
func (s *Store) VendorPayload(ctx context.Context, source, key string) ([]byte, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	if scanErr := pool.QueryRow(ctx, selectVendorPayloadSQL, source, key).Scan(&payload); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("select vendor payload: %w", scanErr)
	}
	return payload, true, nil
}

// UpsertVendorProduct inserts or replaces a vendor row.
func (s *Store) UpsertVendorProduct(ctx context.Context, product VendorProduct) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	updatedAt := product.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	if _, execErr := pool.Exec(ctx, upsertVendorProductSQL,
		product.Source,
		product.ProductKey,
		[]byte(product.Payload),
		updatedAt,
	); execErr != nil {
		return fmt.Errorf("upsert vendor product: %w", execErr)
	}
	return nil
}

// ListVendorKeys lists product keys a source carries.
func (s *Store) ListVendorKeys(ctx context.Context, source string, limit int) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listVendorKeysSQL, source, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list vendor keys: %w", queryErr)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var key string
		if scanErr := rows.Scan(&key); scanErr != nil {
			return nil, scanErr
		}
		keys = append(keys, key)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return keys, nil
}

// CountVendorProducts counts the rows of source.
func (s *Store) CountVendorProducts(ctx context.Context, source string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countVendorProductsSQL, source).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count vendor products: %w", scanErr)
	}
	return count, nil
}

var (
	_ VendorProductStore = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)
)
