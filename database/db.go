/*
Copyright 2024 Xfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/xferhq/xfer/config"
	"github.com/xferhq/xfer/internal/cache"
)

// Datasource is the Postgres transaction log. Cache is optional.
type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

// NewDataSource connects to the configured database. c may be nil when Redis is not configured.
func NewDataSource(configuration *config.Configuration, c cache.Cache) (*Datasource, error) {
	con, err := ConnectDB(configuration.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: con, Cache: c}, nil
}

// ConnectDB opens a pooled connection and checks it. Tables are created by the migrations.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err = db.Ping(); err != nil {
		logrus.Errorf("database connection error ❌: %v", err)
		_ = db.Close()
		return nil, err
	}
	logrus.Info("database connection established ✅")
	return db, nil
}

func (d Datasource) Close() error {
	return d.Conn.Close()
}
