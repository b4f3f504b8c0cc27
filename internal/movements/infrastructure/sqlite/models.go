package sqlite

import "time"

type stationModel struct {
	StationKey  int64    `gorm:"column:station_key;primaryKey;autoIncrement"`
	EVA         int64    `gorm:"column:eva;uniqueIndex;not null"`
	StationName string   `gorm:"column:station_name;not null;default:''"`
	NameFolded  string   `gorm:"column:name_folded;not null;default:''"`
	Lat         *float64 `gorm:"column:lat"`
	Lon         *float64 `gorm:"column:lon"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (stationModel) TableName() string { return "dim_station" }

type trainModel struct {
	TrainKey    int64  `gorm:"column:train_key;primaryKey;autoIncrement"`
	Category    string `gorm:"column:category;not null"`
	TrainNumber string `gorm:"column:train_number;not null"`
	Owner       string `gorm:"column:owner;not null;default:''"`
	TripType    string `gorm:"column:trip_type;not null;default:''"`
	FilterFlags string `gorm:"column:filter_flags;not null;default:''"`
	CreatedAt   time.Time
}

func (trainModel) TableName() string { return "dim_train" }

type timeModel struct {
	TimeKey   int64  `gorm:"column:time_key;primaryKey;autoIncrement:false"`
	TS        string `gorm:"column:ts;not null"`
	Date      string `gorm:"column:date;not null"`
	Hour      int    `gorm:"column:hour;not null"`
	Minute    int    `gorm:"column:minute;not null"`
	DayOfWeek int    `gorm:"column:day_of_week;not null"`
	IsWeekend bool   `gorm:"column:is_weekend;not null"`
}

func (timeModel) TableName() string { return "dim_time" }

type factModel struct {
	FactKey         int64   `gorm:"column:fact_key;primaryKey;autoIncrement"`
	SnapshotTimeKey int64   `gorm:"column:snapshot_time_key;not null"`
	StationKey      int64   `gorm:"column:station_key;not null"`
	TrainKey        int64   `gorm:"column:train_key;not null"`
	StopID          string  `gorm:"column:stop_id;not null"`
	EventType       string  `gorm:"column:event_type;not null"`
	PlannedTimeKey  *int64  `gorm:"column:planned_time_key"`
	ChangedTimeKey  *int64  `gorm:"column:changed_time_key"`
	EventStatus     *string `gorm:"column:event_status"`
	PlannedPlatform *string `gorm:"column:planned_platform"`
	ChangedPlatform *string `gorm:"column:changed_platform"`
	Line            *string `gorm:"column:line"`
	PlannedPath     *string `gorm:"column:planned_path"`
	DelayMinutes    *int    `gorm:"column:delay_minutes"`
	IsCancelled     bool    `gorm:"column:is_cancelled;not null;default:false"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (factModel) TableName() string { return "fact_movement" }
