package redisstore

import "fmt"

// 记录体 key
func BuildStateKey(name string) string {
	return fmt.Sprintf("txStateKey:%s", name)
}

// 版本号 key，与记录体在同一把锁下更新
func BuildStateVersionKey(name string) string {
	return fmt.Sprintf("txStateVersionKey:%s", name)
}

func BuildStateLockKey(name string) string {
	return fmt.Sprintf("txStateLockKey:%s", name)
}
