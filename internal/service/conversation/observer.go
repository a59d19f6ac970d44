package conversation

import (
	"log"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

// Observer records turn failures.
type Observer interface {
	TurnFailed(req *Request, stage Stage, err error)
}

// LogObserver 将失败写入日志
type LogObserver struct{}

// TurnFailed implements Observer.
func (LogObserver) TurnFailed(req *Request, stage Stage, err error) {
	log.Printf("[orchestrator] turn failed session=%s corr=%s utterance=%s stage=%s code=%s: %v",
		req.SessionID, req.CorrelationID, req.UtteranceID, stage, errs.Code(err), err)
}
