package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// JSONData 用于存储JSON格式的数据
type JSONData map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONData) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSONData) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		strVal, ok := value.(string)
		if !ok {
			return nil
		}
		bytes = []byte(strVal)
	}
	return json.Unmarshal(bytes, j)
}

// Record 测量记录
type Record struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	SerialNumber string    `gorm:"index;size:32;not null" json:"serial_number"` // 设备序列号
	BeginTime    time.Time `gorm:"index;not null" json:"begin_time"`            // 平均区间起点
	EndTime      time.Time `gorm:"not null" json:"end_time"`                    // 平均区间终点
	OpMode       string    `gorm:"size:16" json:"opmode"`                       // 记录时的工作模式
	IsSettling   bool      `json:"is_settling"`                                 // 是否处于稳定期

	PosConcentrationMean float64 `json:"pos_concentration_mean"` // 正离子浓度均值
	NegConcentrationMean float64 `json:"neg_concentration_mean"` // 负离子浓度均值
	ACurrentMean         float64 `json:"a_current_mean"`         // A电计电流均值
	BCurrentMean         float64 `json:"b_current_mean"`         // B电计电流均值
	TemperatureMean      float64 `json:"temperature_mean"`       // 温度均值
	HumidityMean         float64 `json:"humidity_mean"`          // 湿度均值
	PressureMean         float64 `json:"pressure_mean"`          // 气压均值

	// Fields 完整的记录字段
	Fields JSONData `gorm:"type:text" json:"fields"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (Record) TableName() string {
	return "records"
}

// CommLogDirection 通信方向
type CommLogDirection string

const (
	CommLogDirectionSend    CommLogDirection = "SEND"    // 主机发送
	CommLogDirectionReceive CommLogDirection = "RECEIVE" // 设备上报
)

// CommLog 设备通信日志
type CommLog struct {
	ID           uint             `gorm:"primarykey" json:"id"`
	SerialNumber string           `gorm:"index;size:32" json:"serial_number"` // 设备序列号
	Direction    CommLogDirection `gorm:"size:8;not null" json:"direction"`   // 通信方向
	Method       string           `gorm:"size:32;index" json:"method"`        // 命令名或事件类型
	Payload      JSONData         `gorm:"type:text" json:"payload"`           // 消息内容
	Bytes        int              `json:"bytes"`                              // 编码前载荷长度
	ErrorMsg     string           `gorm:"size:255" json:"error_msg"`          // 失败时的错误信息

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (CommLog) TableName() string {
	return "comm_logs"
}

// AutoMigrate 迁移所有数据表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Record{},
		&CommLog{},
	)
}
