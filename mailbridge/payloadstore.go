package mailbridge

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// direction tag for rows written on the ingestion path.
const directionIncoming = "IN"

// PayloadRef identifies one stored payload row.
type PayloadRef struct {
	ReferenceID uuid.UUID
	ContentID   string
}

// PayloadStore persists and retrieves attachment payloads keyed by
// (referenceId, contentId). Inserts are transactional: a duplicate key
// fails the whole batch with *PayloadAlreadyExists and retains nothing.
type PayloadStore interface {
	Insert(payloads []Payload) ([]PayloadRef, error)
	Retrieve(referenceID uuid.UUID) ([]Payload, error)
	RetrieveOne(referenceID uuid.UUID, contentID string) (*Payload, error)
}

type pgPayloadStore struct {
	db *sql.DB
}

// NewPayloadStore returns a Postgres-backed payload store.
func NewPayloadStore(db *sql.DB) PayloadStore {
	return &pgPayloadStore{db: db}
}

// newDB creates a new database connection using the provided configuration.
func newDB(config *Config) (*sql.DB, error) {
	connStr := "host=" + config.DbHost +
		" user=" + config.DbUser +
		" password=" + config.DbPassword +
		" dbname=" + config.DbName +
		" sslmode=" + config.DbSSLMode
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}
	err = db.Ping()
	if err != nil {
		err2 := db.Close()
		return nil, appendError(errors.WithStack(err), errors.WithStack(err2))
	}
	return db, err
}

// Insert writes all payloads in one transaction and returns the inserted
// references in input order. Concurrent inserts racing on the same
// (referenceId, contentId) are resolved by the table's uniqueness
// constraint; exactly one wins.
func (s *pgPayloadStore) Insert(payloads []Payload) (refs []PayloadRef, rerr error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	for _, payload := range payloads {
		_, err := tx.Exec(`insert into payload (`+
			` reference_id, content_id, content_type, content, direction) `+
			`values ($1, $2, $3, $4, $5)`,
			payload.ReferenceID.String(), payload.ContentID,
			payload.ContentType, payload.Content, directionIncoming)
		if err != nil {
			err2 := tx.Rollback()
			if isUniqueViolation(err) {
				return nil, appendError(&PayloadAlreadyExists{
					ReferenceID: payload.ReferenceID,
					ContentID:   payload.ContentID,
				}, errors.WithStack(err2))
			}
			return nil, appendError(errors.WithStack(err), errors.WithStack(err2))
		}
		refs = append(refs, PayloadRef{
			ReferenceID: payload.ReferenceID,
			ContentID:   payload.ContentID,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.WithStack(err)
	}
	return refs, nil
}

// Retrieve returns all payloads stored under a reference id.
func (s *pgPayloadStore) Retrieve(referenceID uuid.UUID) (payloads []Payload, rerr error) {
	rows, err := s.db.Query(`select reference_id, content_id, content_type, content `+
		`from payload `+
		`where reference_id = $1`,
		referenceID.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			rerr = appendError(rerr, errors.WithStack(err))
		}
	}()

	for rows.Next() {
		payload, err := scanPayload(rows)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, *payload)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(payloads) == 0 {
		return nil, &PayloadNotFound{ReferenceID: referenceID.String()}
	}
	return payloads, nil
}

// RetrieveOne returns the single payload stored under (referenceId,
// contentId).
func (s *pgPayloadStore) RetrieveOne(referenceID uuid.UUID, contentID string) (*Payload, error) {
	row := s.db.QueryRow(`select reference_id, content_id, content_type, content `+
		`from payload `+
		`where reference_id = $1 and content_id = $2`,
		referenceID.String(), contentID)

	payload, err := scanPayload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &PayloadNotFound{ReferenceID: referenceID.String()}
		}
		return nil, err
	}
	return payload, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayload(row rowScanner) (*Payload, error) {
	var payload Payload
	var referenceID string
	err := row.Scan(&referenceID, &payload.ContentID, &payload.ContentType, &payload.Content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.WithStack(err)
	}
	payload.ReferenceID, err = uuid.Parse(referenceID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &payload, nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}
