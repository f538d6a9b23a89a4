package monitor

// metricsScript gathers the four resource metrics the metrics tick
// collects in one round trip, the same fixed-vocabulary, no-interpreter
// style pkg/probe/script.go's factsScript uses: every value printed is
// either a number or "unknown", so the JSON line is built with printf
// rather than templating arbitrary remote output.
const metricsScript = `
cpu_pct=$(top -bn1 2>/dev/null | awk -F, '/%Cpu/{for(i=1;i<=NF;i++){if($i~/id/){gsub(/[^0-9.]/,"",$i);print 100-$i;exit}}}')
[ -z "$cpu_pct" ] && cpu_pct=unknown
mem_pct=$(awk '/MemTotal/{t=$2} /MemAvailable/{a=$2} END{if(t>0) printf "%.1f", (t-a)/t*100; else print "unknown"}' /proc/meminfo 2>/dev/null || echo unknown)
disk_pct=$(df -P / 2>/dev/null | awk 'NR==2{gsub(/%/,"",$5); print $5}')
[ -z "$disk_pct" ] && disk_pct=unknown
load_avg=$(awk '{print $1}' /proc/loadavg 2>/dev/null || echo unknown)
printf '{"cpu_percent":"%s","memory_percent":"%s","disk_percent":"%s","load_average":"%s"}\n' \
  "$cpu_pct" "$mem_pct" "$disk_pct" "$load_avg"
`
