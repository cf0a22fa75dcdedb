package models

import "time"

// Instance is one imported object belonging to a study and series.
type Instance struct {
	ID        string    `json:"id"`
	StudyUID  string    `json:"study_uid"`
	SeriesUID string    `json:"series_uid"`
	SOPUID    string    `json:"sop_uid"`
	Modality  string    `json:"modality,omitempty"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	CreatedAt time.Time `json:"created_at"`
}

// StudyStats are derived study attributes recomputed after each import or removal.
type StudyStats struct {
	Series     int
	Instances  int
	Modalities []string
}
