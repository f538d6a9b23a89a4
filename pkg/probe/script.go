package probe

// factsScript is the one fixed POSIX shell script the Host Probe runs in
// a single round trip to gather every fact it needs. It never shells out
// to python3 or any other interpreter beyond what every supported distro
// ships in /bin/sh, and every value it prints is either a number or a
// value drawn from a small fixed vocabulary (os-release fields, yes/no
// flags), so building its JSON line by hand with printf carries no
// injection risk the way templating arbitrary remote strings would.
const factsScript = `
cpu=$(nproc 2>/dev/null || echo unknown)
mem_kb=$(awk '/MemTotal/{print $2}' /proc/meminfo 2>/dev/null || echo unknown)
disk_kb=$(df -Pk / 2>/dev/null | awk 'NR==2{print $2}' || echo unknown)
os_family=unknown
os_version=unknown
if [ -f /etc/os-release ]; then
  os_family=$(. /etc/os-release 2>/dev/null; echo "$ID")
  os_version=$(. /etc/os-release 2>/dev/null; echo "$VERSION_ID")
fi
kernel=$(uname -r 2>/dev/null || echo unknown)
sudo_ok=no
sudo -n true >/dev/null 2>&1 && sudo_ok=yes
docker_socket=no
[ -S /var/run/docker.sock ] && docker_socket=yes
init_systemd=no
[ -d /run/systemd/system ] && init_systemd=yes
in_container=no
[ -f /.dockerenv ] && in_container=yes
if command -v systemd-detect-virt >/dev/null 2>&1; then
  systemd-detect-virt -c >/dev/null 2>&1 && in_container=yes
fi
printf '{"cpu_cores":"%s","mem_kb":"%s","disk_kb":"%s","os_family":"%s","os_version":"%s","kernel":"%s","sudo":"%s","docker_socket":"%s","init_systemd":"%s","in_container":"%s"}\n' \
  "$cpu" "$mem_kb" "$disk_kb" "$os_family" "$os_version" "$kernel" "$sudo_ok" "$docker_socket" "$init_systemd" "$in_container"
`
