package logfields

import "go.uber.org/zap"

func EventProvider(val string) zap.Field {
	return zap.String("event_provider", val)
}

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func ActionResult(val string) zap.Field {
	return zap.String("action_result", val)
}

func Reason(val string) zap.Field {
	return zap.String("reason", val)
}

func Status(val string) zap.Field {
	return zap.String("status", val)
}

func QueuePosition(val int) zap.Field {
	return zap.Int("queue_position", val)
}
