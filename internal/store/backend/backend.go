// Package backend opens the store implementation named by a driver.
package backend

import (
	"fmt"
	"log/slog"

	"github.com/pliu/duet/internal/config"
	"github.com/pliu/duet/internal/store"
	"github.com/pliu/duet/internal/store/badgerstore"
	"github.com/pliu/duet/internal/store/sqlstore"
)

func Open(driver, dsn string, log *slog.Logger) (store.Store, error) {
	switch driver {
	case config.DriverSQLite3, config.DriverSQLite, config.DriverPostgres:
		s, err := sqlstore.New(driver, dsn)
		if err != nil {
			return nil, err
		}
		log.Info("SQL store opened", "driver", driver)
		return s, nil
	case config.DriverBadger:
		s, err := badgerstore.Open(dsn, log)
		if err != nil {
			return nil, err
		}
		log.Info("Badger store opened", "path", dsn, "in_memory", dsn == "")
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
