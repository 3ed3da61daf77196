package ingest

// Job kinds flowing through the transport. Ids are deterministic per
// affected entity so duplicate enqueue attempts collapse.

const (
	KindIngest  = "chapter.ingest"
	KindGapScan = "gap.scan"
	KindFanout  = "feed.fanout"
	KindNotify  = "notify.chapter"
	KindPromote = "tier.promote"
	KindRecheck = "source.recheck"
)

type GapScanPayload struct {
	SeriesID string `json:"series_id"`
}

type FanoutPayload struct {
	SourceID  string `json:"source_id"`
	ChapterID string `json:"chapter_id"`
	SeriesID  string `json:"series_id"`
}

type NotifyPayload struct {
	ChapterID string `json:"chapter_id"`
	SeriesID  string `json:"series_id"`
	Number    string `json:"number"`
	Recovery  bool   `json:"recovery"`
}

type PromotePayload struct {
	SeriesID string `json:"series_id"`
	Boost    int    `json:"boost"`
}

type RecheckPayload struct {
	SourceID string `json:"source_id"`
	SeriesID string `json:"series_id"`
	Number   string `json:"number"`
}

func GapScanJobID(seriesID string) string {
	return KindGapScan + ":" + seriesID
}

func FanoutJobID(sourceID, chapterID string) string {
	return KindFanout + ":" + sourceID + ":" + chapterID
}

func NotifyJobID(chapterID string) string {
	return KindNotify + ":" + chapterID
}

func PromoteJobID(chapterID, sourceID string) string {
	return KindPromote + ":" + chapterID + ":" + sourceID
}

func RecheckJobID(sourceID, number string) string {
	return KindRecheck + ":" + sourceID + ":" + number
}
