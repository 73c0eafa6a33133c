package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write handle with a read handle.
//
// For SQLite with WAL, the writer is a single connection that serializes
// inserts while the reader pool serves concurrent SELECTs from WAL
// snapshots. For PostgreSQL both sides are the same pool; pgx multiplexes
// internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader handles. They may be the
// same handle.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for INSERTs and DDL.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECTs.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, avoiding a double close when they are shared.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
