package app

import (
	"context"
	"errors"
	"time"

	"stockagg/internal/alerting"
	"stockagg/internal/breaker"
)

// SimulateAlert 模拟一次供应商熔断，验证告警通道是否可用。
func (a *App) SimulateAlert(ctx context.Context, sourceName string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	if sourceName == "" && len(a.Config.Sources) > 0 {
		sourceName = a.Config.Sources[0].Name
	}

	// drive a throwaway breaker so the message carries real transition data
	var sent error
	delivered := false
	br := breaker.New(sourceName, breaker.Options{
		FailureThreshold: a.Config.Breaker.FailureThreshold,
		Cooldown:         a.Config.Breaker.Cooldown,
		OnStateChange: func(name string, from, to breaker.State, snap breaker.Snapshot) {
			if !alerting.ShouldNotify(from, to) {
				return
			}
			delivered = true
			sent = notifier.Notify(ctx, alerting.Notification{
				Source:            name,
				From:              from,
				To:                to,
				At:                time.Now().UTC(),
				Failures:          snap.ConsecutiveFailures,
				CooldownRemaining: snap.CooldownRemaining,
				AdditionalMsg:     "(simulated)\n",
			})
		},
	})
	for i := 0; i < a.Config.Breaker.FailureThreshold; i++ {
		br.OnFailure()
	}

	if !delivered {
		return errors.New("breaker did not open")
	}
	return sent
}
