package transcript

// Offsets computes a segment's relative timestamps from the session anchor.
// startMS is the wall-clock arrival offset (nowMS - sessionStartMS); endMS is
// startMS plus the recognizer's processing time when known, nil otherwise.
//
// For segments arriving in order within one session startMS is non-decreasing,
// since nowMS is monotonic per arrival. Drift across reconnects or host clock
// adjustments is NOT corrected; offsets stay anchored to the original
// session_start_ms. Known limitation.
func Offsets(sessionStartMS, nowMS int64, processingTimeMS *int64) (startMS int64, endMS *int64) {
	startMS = nowMS - sessionStartMS
	if processingTimeMS != nil {
		end := startMS + *processingTimeMS
		endMS = &end
	}
	return startMS, endMS
}
