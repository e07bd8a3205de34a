package recorder

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/airel/go-tic/internal/errors"
)

// recordFields 记录文件的数据列，顺序即文件列顺序
var recordFields = []string{
	"is_settling",
	"begin_time_ms",
	"end_time_ms",
	"pos_concentration_mean",
	"neg_concentration_mean",
	"pos_concentration_stddev",
	"neg_concentration_stddev",
	"a_cev_voltage_raw_mean",
	"a_cev_voltage_raw_stddev",
	"a_cev_voltage_mean",
	"a_cev_voltage_stddev",
	"a_cev_voltage_target_mean",
	"a_cev_voltage_target_stddev",
	"a_cev_voltage_control_mean",
	"a_cev_voltage_control_stddev",
	"a_flow_rate_raw_mean",
	"a_flow_rate_raw_stddev",
	"a_flow_rate_mean",
	"a_flow_rate_stddev",
	"a_flow_rate_target_mean",
	"a_flow_rate_target_stddev",
	"a_flow_rate_control_mean",
	"a_flow_rate_control_stddev",
	"a_flow_rate_tacho_mean",
	"a_flow_rate_tacho_stddev",
	"b_cev_voltage_raw_mean",
	"b_cev_voltage_raw_stddev",
	"b_cev_voltage_mean",
	"b_cev_voltage_stddev",
	"b_cev_voltage_target_mean",
	"b_cev_voltage_target_stddev",
	"b_cev_voltage_control_mean",
	"b_cev_voltage_control_stddev",
	"b_flow_rate_raw_mean",
	"b_flow_rate_raw_stddev",
	"b_flow_rate_mean",
	"b_flow_rate_stddev",
	"b_flow_rate_target_mean",
	"b_flow_rate_target_stddev",
	"b_flow_rate_control_mean",
	"b_flow_rate_tacho_mean",
	"b_flow_rate_tacho_stddev",
	"b_flow_rate_control_stddev",
	"temperature_mean",
	"temperature_stddev",
	"humidity_mean",
	"humidity_stddev",
	"pressure_mean",
	"pressure_stddev",
	"env_sensor_sample_counter",
	"env_sensor_error_counter",
	"a_cev_adc_sample_counter",
	"a_cev_voltage_correction_counter",
	"b_cev_adc_sample_counter",
	"b_cev_voltage_correction_counter",
	"a_electrometer_sample_counter",
	"a_electrometer_reset_counter",
	"a_electrometer_error_counter",
	"b_electrometer_sample_counter",
	"b_electrometer_reset_counter",
	"b_electrometer_error_counter",
	"a_electrometer_current_mean",
	"a_electrometer_current_stddev",
	"a_electrometer_current_raw_mean",
	"a_electrometer_voltage",
	"b_electrometer_current_mean",
	"b_electrometer_current_raw_mean",
	"b_electrometer_current_stddev",
	"b_electrometer_voltage",
	"a_flow_sensor_error_counter",
	"a_flow_sensor_sample_counter",
	"b_flow_sensor_error_counter",
	"b_flow_sensor_sample_counter",
	"a_concentration_mean",
	"b_concentration_mean",
}

// monitoredCounters 数值变化时记入日志的设备计数器
var monitoredCounters = []string{
	"env_sensor_error_counter",
	"a_flow_sensor_error_counter",
	"b_flow_sensor_error_counter",
	"a_electrometer_reset_counter",
	"b_electrometer_reset_counter",
	"a_electrometer_error_counter",
	"b_electrometer_error_counter",
}

// writeRecordsHeader 写入记录文件头
//
// 文件头为"# Spectops records"标识行、注释掉的YAML元数据块和
// 制表符分隔的列名行。
func writeRecordsHeader(w io.Writer) error {
	params := make([]map[string]string, 0, len(recordFields))
	for _, f := range recordFields {
		params = append(params, map[string]string{"humanname": f, "name": f, "unit": ""})
	}

	doc := map[string]interface{}{
		"dataproc variant":     "block",
		"electrometer groups":  map[string][]int{"a_el": {0, 0}, "b_el": {1, 1}},
		"electrometer names":   []string{"A", "B"},
		"file type":            "records",
		"instrument configuration": map[string]interface{}{},
		"opmodes":              []string{"run", "zero", "run_swapped", "unknown"},
		"software":             "tic_to_records",
		"total electrometers":  2,
		"parameters":           params,
	}

	yamlData, err := yaml.Marshal(doc)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrRecordWrite, "marshal header")
	}

	var sb strings.Builder
	sb.WriteString("# Spectops records\n")
	for _, line := range strings.Split(strings.TrimRight(string(yamlData), "\n"), "\n") {
		sb.WriteString("# ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("# \n")

	columns := make([]string, 0, 11+len(recordFields)+1)
	columns = append(columns,
		"begin_time",
		"end_time",
		"opmode",
		"cur_0",
		"cur_1",
		"curvar_0",
		"curvar_1",
		"rawcur_0",
		"rawcur_1",
		"volt_0",
		"volt_1",
	)
	columns = append(columns, recordFields...)
	columns = append(columns, "flags")

	sb.WriteString(strings.Join(columns, "\t"))
	sb.WriteString("\n")

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrRecordWrite)
	}
	return nil
}

// formatField 将记录字段格式化为文件中的文本表示
func formatField(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if math.IsNaN(x) {
			return "nan"
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", x)
	}
}
