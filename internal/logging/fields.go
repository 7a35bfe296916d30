package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 描述一次图片缓存解析：原始 URI、条目 key 与命中来源。
func CacheFields(uri, key, source string) logrus.Fields {
	fields := logrus.Fields{
		"uri":    uri,
		"source": source,
	}
	if key != "" {
		fields["key"] = key
	}
	return fields
}

// RequestFields 提供 HTTP 请求日志的公共字段。
func RequestFields(requestID, method, path string, status int) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
	}
}
