package alerting

import (
	"strings"
	"time"

	"AssuredChain/internal/config"
	"AssuredChain/pkg/logger"
)

// FromConfig 组装告警派发器：始终写日志，配置了 webhook_url 时额外推送。
func FromConfig(cfg config.AlertingConfig) *FanoutDispatcher {
	notifiers := []Notifier{&LogNotifier{Logger: logger.Named("alerting")}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, NewWebhookNotifier(url, time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return NewFanout(notifiers...)
}
