// Package config gotx-bank 的文件配置，toml 格式。
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/state"
)

const (
	BackendMemory = "memory"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
)

const (
	defaultBackend        = BackendMemory
	defaultLogLevel       = "info"
	defaultLogFile        = "gotx-bank.log"
	defaultAccounts       = 8
	defaultInitialBalance = 100
	defaultTransfers      = 1000
	defaultConcurrency    = 8
	defaultMaxAmount      = 20
	defaultTxTimeout      = 5 * time.Second
	defaultResolveTimeout = 10 * time.Second
	defaultRedisNetwork   = "tcp"
	defaultRedisAddress   = "127.0.0.1:6379"
	defaultLockExpire     = 5 * time.Second
)

type Config struct {
	Backend     string            `toml:"backend"`
	Log         LogConfig         `toml:"log"`
	Bank        BankConfig        `toml:"bank"`
	Transaction TransactionConfig `toml:"transaction"`
	MySQL       MySQLConfig       `toml:"mysql"`
	Redis       RedisConfig       `toml:"redis"`

	// 配置文件中未识别的字段
	WarningMsgs []string `toml:"-"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxAge     int    `toml:"max-age"`     // 天
	MaxSize    int    `toml:"max-size"`    // M
	MaxBackups int    `toml:"max-backups"` // 保留文件个数
}

type BankConfig struct {
	Accounts       int   `toml:"accounts"`
	InitialBalance int64 `toml:"initial-balance"`
	Transfers      int   `toml:"transfers"`
	Concurrency    int   `toml:"concurrency"`
	MaxAmount      int64 `toml:"max-amount"`
}

// TransactionConfig 为 0 的字段使用库内默认值
type TransactionConfig struct {
	Timeout         Duration `toml:"timeout"`
	ResolveTimeout  Duration `toml:"resolve-timeout"`
	MonitorTick     Duration `toml:"monitor-tick"`
	LockTimeout     Duration `toml:"lock-timeout"`
	PrepareTimeout  Duration `toml:"prepare-timeout"`
	ConfirmTimeout  Duration `toml:"confirm-timeout"`
	MessageTimeout  Duration `toml:"message-timeout"`
	MaxPingFailures int      `toml:"max-ping-failures"`
}

type MySQLConfig struct {
	DSN     string `toml:"dsn"`
	Migrate bool   `toml:"migrate"`
}

type RedisConfig struct {
	Network    string   `toml:"network"`
	Address    string   `toml:"address"`
	Password   string   `toml:"password"`
	LockExpire Duration `toml:"lock-expire"`
}

func NewDefaultConfig() *Config {
	c := &Config{}
	_ = c.Adjust(nil)
	return c
}

// Load 读取 toml 文件并补全默认值
func Load(path string) (*Config, error) {
	c := &Config{}
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "config: decode %s", path)
	}
	if err := c.Adjust(&meta); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse 从字符串解析，便于测试
func Parse(data string) (*Config, error) {
	c := &Config{}
	meta, err := toml.Decode(data, c)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.Adjust(&meta); err != nil {
		return nil, err
	}
	return c, nil
}

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustInt64(v *int64, defValue int64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Adjust 补全默认值并校验
func (c *Config) Adjust(meta *toml.MetaData) error {
	if meta != nil {
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			c.WarningMsgs = append(c.WarningMsgs, "config contains undefined item: "+strings.Join(keys, ", "))
		}
	}

	adjustString(&c.Backend, defaultBackend)
	c.Backend = strings.ToLower(c.Backend)

	adjustString(&c.Log.Level, defaultLogLevel)
	adjustString(&c.Log.File, defaultLogFile)

	adjustInt(&c.Bank.Accounts, defaultAccounts)
	adjustInt64(&c.Bank.InitialBalance, defaultInitialBalance)
	adjustInt(&c.Bank.Transfers, defaultTransfers)
	adjustInt(&c.Bank.Concurrency, defaultConcurrency)
	adjustInt64(&c.Bank.MaxAmount, defaultMaxAmount)

	adjustDuration(&c.Transaction.Timeout, defaultTxTimeout)
	adjustDuration(&c.Transaction.ResolveTimeout, defaultResolveTimeout)

	adjustString(&c.Redis.Network, defaultRedisNetwork)
	adjustString(&c.Redis.Address, defaultRedisAddress)
	adjustDuration(&c.Redis.LockExpire, defaultLockExpire)

	return c.Validate()
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	case BackendMySQL:
		if c.MySQL.DSN == "" {
			return errors.New("config: mysql backend requires mysql.dsn")
		}
	default:
		return errors.Errorf("config: unknown backend %q", c.Backend)
	}
	if _, ok := log.Levels[c.Log.Level]; !ok {
		return errors.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.Bank.Accounts < 2 {
		return errors.New("config: bank.accounts must be at least 2")
	}
	if c.Bank.InitialBalance < 0 || c.Bank.MaxAmount < 0 {
		return errors.New("config: bank amounts must not be negative")
	}
	if c.Bank.Transfers < 0 || c.Bank.Concurrency < 0 {
		return errors.New("config: bank.transfers and bank.concurrency must not be negative")
	}
	if c.Transaction.MaxPingFailures < 0 {
		return errors.New("config: transaction.max-ping-failures must not be negative")
	}
	return nil
}

func (c *Config) LogOptions() []log.Option {
	opts := []log.Option{
		log.WithLogName("gotx-bank"),
		log.WithLogLevel(c.Log.Level),
		log.WithFileName(c.Log.File),
	}
	if c.Log.MaxAge > 0 {
		opts = append(opts, log.WithMaxAge(c.Log.MaxAge))
	}
	if c.Log.MaxSize > 0 {
		opts = append(opts, log.WithMaxSize(c.Log.MaxSize))
	}
	if c.Log.MaxBackups > 0 {
		opts = append(opts, log.WithMaxBackups(c.Log.MaxBackups))
	}
	return opts
}

func (c *Config) AgentOptions() []gotx.Option {
	return []gotx.Option{
		gotx.WithTimeout(c.Transaction.Timeout.Duration),
		gotx.WithResolveTimeout(c.Transaction.ResolveTimeout.Duration),
	}
}

// StateOptions 未配置的项交给 state 包的默认值
func (c *Config) StateOptions() []state.Option {
	var opts []state.Option
	t := c.Transaction
	if t.MonitorTick.Duration > 0 {
		opts = append(opts, state.WithMonitorTick(t.MonitorTick.Duration))
	}
	if t.LockTimeout.Duration > 0 {
		opts = append(opts, state.WithLockTimeout(t.LockTimeout.Duration))
	}
	if t.PrepareTimeout.Duration > 0 {
		opts = append(opts, state.WithPrepareTimeout(t.PrepareTimeout.Duration))
	}
	if t.ConfirmTimeout.Duration > 0 {
		opts = append(opts, state.WithConfirmTimeout(t.ConfirmTimeout.Duration))
	}
	if t.MessageTimeout.Duration > 0 {
		opts = append(opts, state.WithMessageTimeout(t.MessageTimeout.Duration))
	}
	if t.MaxPingFailures > 0 {
		opts = append(opts, state.WithMaxPingFailures(t.MaxPingFailures))
	}
	return opts
}
