package store

import (
	"database/sql"

	"github.com/mfloren/nzbstream/internal/domain"
)

// providerDBO maps to the providers table
type providerDBO struct {
	Name           string
	Host           string
	Port           int
	UseSSL         bool
	Username       sql.NullString
	Password       sql.NullString
	MaxConnections int
}

// Mapper: DBO to Domain ProviderRecord
func (p *providerDBO) ToDomain() domain.ProviderRecord {
	return domain.ProviderRecord{
		Name:           p.Name,
		Host:           p.Host,
		Port:           p.Port,
		UseSSL:         p.UseSSL,
		Username:       p.Username.String,
		Password:       p.Password.String,
		MaxConnections: p.MaxConnections,
	}.Normalize()
}

// Mapper: Domain ProviderRecord to DBO
func (p *providerDBO) FromDomain(rec domain.ProviderRecord) {
	p.Name = rec.Name
	p.Host = rec.Host
	p.Port = rec.Port
	p.UseSSL = rec.UseSSL
	p.Username = sql.NullString{String: rec.Username, Valid: rec.Username != ""}
	p.Password = sql.NullString{String: rec.Password, Valid: rec.Password != ""}
	p.MaxConnections = rec.MaxConnections
}
