package anchor

import (
	"context"
	"fmt"
	"strings"

	"AssuredChain/internal/config"
	"AssuredChain/internal/storage/sqldb"
)

// OpenStore 根据配置创建任务存储：memory、mysql 或 sqlite。
func OpenStore(ctx context.Context, cfg config.AnchorStoreConfig, pool config.PoolConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case sqldb.DriverMySQL, sqldb.DriverSQLite:
		db, err := sqldb.Open(ctx, cfg.Driver, cfg.DSN, pool)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db), nil
	default:
		return nil, fmt.Errorf("暂不支持的任务存储驱动 %q", cfg.Driver)
	}
}
