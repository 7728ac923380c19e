package audit

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/repoperm/pkg/config"
)

// NewSink builds the audit logger selected by cfg. With no sink enabled it
// returns NopLogger. db is required only when cfg.Database is set. Reads go to
// the database when it is enabled and to the audit directory otherwise.
func NewSink(cfg config.AuditConfig, db *sql.DB, log logrus.FieldLogger) (Logger, error) {
	var sinks []Logger
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}

	if cfg.Database {
		dl, err := NewDBLogger(db)
		if err != nil {
			return nil, fmt.Errorf("database audit sink: %w", err)
		}
		sinks = append(sinks, dl)
	}
	if cfg.Dir != "" {
		fileCfg := DefaultFileLoggerConfig()
		fileCfg.BasePath = cfg.Dir
		fileCfg.Rotate = cfg.Rotate
		fl, err := NewFileLogger(fileCfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, fl)
	}
	if cfg.Log && log != nil {
		sinks = append(sinks, NewLogrusLogger(log))
	}

	switch len(sinks) {
	case 0:
		return NopLogger{}, nil
	case 1:
		return sinks[0], nil
	}
	return NewMultiLogger(sinks...), nil
}
