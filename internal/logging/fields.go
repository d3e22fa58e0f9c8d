package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供数据源/阶段/缓存键与命中状态字段，供调度与代理日志复用。
func RequestFields(source, stage, key string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"source":    source,
		"stage":     stage,
		"cache_key": key,
		"cache_hit": cacheHit,
	}
}
