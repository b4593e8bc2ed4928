package tclock

import "math"

// FeedbackState is the memory of one channel's feedback loop between cycles.
type FeedbackState struct {
	History      [2]float64 // last two errors, History[1] the most recent
	LastFeedback float64    // last accepted feedback, V
	LastOutput   float64    // last commanded output, V
	Found        bool       // whether the channel's peak was found in the latest cycle
}

// PIDStep computes the next feedback of the incremental PID law
//
//	fb = last + (e - h1)*Kp + e*Ki*dt + (e + h0 - 2*h1)*Kd/dt
//
// clipped to [last-limit, last+limit]. If fb is NaN it logs one warning and returns
// last unchanged, with held true.
func PIDStep(err float64, history [2]float64, gains PIDGains, loopTime, lastFeedback, limit float64) (float64, bool) {
	kp, ki, kd := gains.Effective()
	fb := lastFeedback +
		(err-history[1])*kp +
		err*ki*loopTime +
		(err+history[0]-2*history[1])*kd/loopTime
	if math.IsNaN(fb) {
		ProblemLogger.Printf("PID feedback is NaN (error %g, history %v, dt %g s); holding %g V",
			err, history, loopTime, lastFeedback)
		return lastFeedback, true
	}
	return math.Min(math.Max(fb, lastFeedback-limit), lastFeedback+limit), false
}

// Update runs one PID step on err and advances the error history. The history
// takes err even when the step is held, so the derivative stays consistent.
func (fs *FeedbackState) Update(err float64, gains PIDGains, loopTime, limit float64) bool {
	fb, held := PIDStep(err, fs.History, gains, loopTime, fs.LastFeedback, limit)
	fs.LastFeedback = fb
	fs.History = [2]float64{fs.History[1], err}
	fs.Found = true
	return held
}

// Hold marks the peak as missing this cycle. Feedback and history are left alone.
func (fs *FeedbackState) Hold() {
	fs.Found = false
}

// LastError is the most recent error given to Update.
func (fs *FeedbackState) LastError() float64 {
	return fs.History[1]
}

// reportable returns a copy with NaN and infinities replaced by 0, which JSON can carry.
func (fs FeedbackState) reportable() FeedbackState {
	fs.History = [2]float64{finite(fs.History[0]), finite(fs.History[1])}
	fs.LastFeedback = finite(fs.LastFeedback)
	fs.LastOutput = finite(fs.LastOutput)
	return fs
}

func reportableAll(states []FeedbackState) []FeedbackState {
	r := make([]FeedbackState, len(states))
	for i, fs := range states {
		r[i] = fs.reportable()
	}
	return r
}
