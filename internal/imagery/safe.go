package imagery

import (
	"fmt"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Resolution folders inside a SAFE granule, finest first.
var safeResolutions = []string{"10m", "20m", "60m"}

// FindSAFEBands maps each band identifier (B04, SCL, ...) to a /vsizip/ path
// inside a zipped SAFE product, preferring the finest resolution folder that
// carries the band. Bands not present in the archive are omitted.
func FindSAFEBands(zipPath string, bandIDs []string) (map[string]string, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SAFE archive %s: %w", zipPath, err)
	}
	defer zr.Close()

	// members[band][resolution] = member name
	members := make(map[string]map[string]string)
	for _, f := range zr.File {
		band, res, ok := parseSAFEMember(f.Name)
		if !ok {
			continue
		}
		if members[band] == nil {
			members[band] = make(map[string]string)
		}
		members[band][res] = f.Name
	}

	found := make(map[string]string, len(bandIDs))
	for _, id := range bandIDs {
		for _, res := range safeResolutions {
			if name, ok := members[id][res]; ok {
				found[id] = VSIZipPath(zipPath, name)
				break
			}
		}
	}
	return found, nil
}

// parseSAFEMember recognises GRANULE/<tile>/IMG_DATA/R<res>/<prefix>_<band>_<res>.jp2.
func parseSAFEMember(name string) (band, res string, ok bool) {
	if !strings.Contains(name, "/GRANULE/") && !strings.HasPrefix(name, "GRANULE/") {
		return "", "", false
	}
	if !strings.Contains(name, "/IMG_DATA/R") {
		return "", "", false
	}
	base := path.Base(name)
	if !strings.HasSuffix(base, ".jp2") {
		return "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(base, ".jp2"), "_")
	if len(parts) < 3 {
		return "", "", false
	}
	band, res = parts[len(parts)-2], parts[len(parts)-1]
	if path.Base(path.Dir(name)) != "R"+res {
		return "", "", false
	}
	return band, res, true
}

func VSIZipPath(zipPath, member string) string {
	return "/vsizip/" + zipPath + "/" + member
}

func VSICurlPath(url string) string {
	return "/vsicurl/" + url
}
