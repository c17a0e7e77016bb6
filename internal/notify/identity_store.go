package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.etcd.io/bbolt"
)

const identitiesBucket = "identities"

// BoltIdentityStore keeps identities in a bbolt bucket
type BoltIdentityStore struct {
	db *bbolt.DB
}

// NewBoltIdentityStore creates the identities bucket if it doesn't exist
func NewBoltIdentityStore(db *bbolt.DB) (*BoltIdentityStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(identitiesBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating identities bucket: %w", err)
	}
	return &BoltIdentityStore{db: db}, nil
}

func (b *BoltIdentityStore) GetIdentity(ctx context.Context, email string) (*Identity, error) {
	var identity *Identity
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(identitiesBucket)).Get([]byte(email))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &identity)
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func (b *BoltIdentityStore) SaveIdentity(ctx context.Context, identity *Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).Put([]byte(identity.Email), data)
	})
}

// PostgresIdentityStore keeps identities in the identities table
type PostgresIdentityStore struct {
	pool *pgxpool.Pool
}

func NewPostgresIdentityStore(pool *pgxpool.Pool) *PostgresIdentityStore {
	return &PostgresIdentityStore{pool: pool}
}

func (p *PostgresIdentityStore) GetIdentity(ctx context.Context, email string) (*Identity, error) {
	var (
		identity    Identity
		state       string
		requestedAt *time.Time
		verifiedAt  *time.Time
	)
	err := p.pool.QueryRow(ctx,
		`SELECT email, state, token, requested_at, verified_at FROM identities WHERE email = $1`, email,
	).Scan(&identity.Email, &state, &identity.Token, &requestedAt, &verifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}

	identity.State = ParseState(state)
	if requestedAt != nil {
		identity.RequestedAt = *requestedAt
	}
	if verifiedAt != nil {
		identity.VerifiedAt = *verifiedAt
	}
	return &identity, nil
}

func (p *PostgresIdentityStore) SaveIdentity(ctx context.Context, identity *Identity) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO identities (email, state, token, requested_at, verified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE
		SET state = EXCLUDED.state,
		    token = EXCLUDED.token,
		    requested_at = EXCLUDED.requested_at,
		    verified_at = EXCLUDED.verified_at`,
		identity.Email, identity.State.String(), identity.Token,
		nullTime(identity.RequestedAt), nullTime(identity.VerifiedAt),
	)
	if err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
