package controllers

import "github.com/mfloren/nzbstream/internal/domain"

type ConnectionStats struct {
	Live int `json:"live"`
	Idle int `json:"idle"`
	Max  int `json:"max"`
}

type HealthResult struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type ProviderModel struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	UseSSL      bool   `json:"use_ssl"`
	User        string `json:"user"`
	Pass        string `json:"pass,omitempty"`
	Connections int    `json:"connections"`
}

func (m ProviderModel) ToDomain() domain.ProviderRecord {
	return domain.ProviderRecord{
		Name:           m.Name,
		Host:           m.Host,
		Port:           m.Port,
		UseSSL:         m.UseSSL,
		Username:       m.User,
		Password:       m.Pass,
		MaxConnections: m.Connections,
	}.Normalize()
}

// FromDomain hides the password; the API never echoes credentials back.
func FromDomain(rec domain.ProviderRecord) ProviderModel {
	return ProviderModel{
		Name:        rec.Name,
		Host:        rec.Host,
		Port:        rec.Port,
		UseSSL:      rec.UseSSL,
		User:        rec.Username,
		Connections: rec.MaxConnections,
	}
}
