package samplesheet

import (
	"errors"
	"strings"
	"testing"
)

const v2Sheet = `[Header],,,
FileFormatVersion,2,,
RunName,Run-2400,,
InstrumentPlatform,NovaSeqXSeries,,

[Reads],,,
Read1Cycles,151,,
Read2Cycles,151,,

[BCLConvert_Settings],,,
SoftwareVersion,4.2.7,,

[BCLConvert_Data],,,
Lane,Sample_ID,Index,Index2
1,L2400001,GAATTCGT,TTATGAGT
1,L2400002,GAGAATGG,TTGCTGAC
2,L2400001,GAATTCGT,TTATGAGT

[Cloud_Settings],,,
GeneratedVersion,1.0,,
`

func TestParseSections(t *testing.T) {
	doc, err := Parse(v2Sheet)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Header["run_name"] != "Run-2400" {
		t.Fatalf("header not parsed: %+v", doc.Header)
	}
	if doc.Reads["read1_cycles"] != "151" {
		t.Fatalf("reads not parsed: %+v", doc.Reads)
	}
	if doc.BCLConvertSettings["software_version"] != "4.2.7" {
		t.Fatalf("settings not parsed: %+v", doc.BCLConvertSettings)
	}
	if len(doc.BCLConvertData) != 3 {
		t.Fatalf("expected 3 data rows, got %d", len(doc.BCLConvertData))
	}
	if doc.BCLConvertData[0]["sample_id"] != "L2400001" || doc.BCLConvertData[0]["lane"] != "1" {
		t.Fatalf("data row not keyed by snake_case column: %+v", doc.BCLConvertData[0])
	}
	cloud, ok := doc.Extra["cloud_settings"]
	if !ok || cloud.Settings["generated_version"] != "1.0" {
		t.Fatalf("extra section not captured: %+v", doc.Extra)
	}
}

func TestSampleIDsDeduplicatesAcrossLanes(t *testing.T) {
	doc, err := Parse(v2Sheet)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ids := doc.SampleIDs()
	if len(ids) != 2 || ids[0] != "L2400001" || ids[1] != "L2400002" {
		t.Fatalf("unexpected sample ids: %v", ids)
	}
}

func TestChecksumIgnoresIncidentalFormatting(t *testing.T) {
	reordered := `[Reads]
Read2Cycles,151
Read1Cycles,151

[Header],,,,,
RunName,Run-2400
FileFormatVersion,2
InstrumentPlatform,NovaSeqXSeries

[BCLConvert_Settings]
SoftwareVersion,4.2.7

[BCLConvert_Data]
Lane,Sample_ID,Index,Index2
1,L2400001,GAATTCGT,TTATGAGT
1,L2400002,GAGAATGG,TTGCTGAC
2,L2400001,GAATTCGT,TTATGAGT

[Cloud_Settings]
GeneratedVersion,1.0
`
	a, err := ChecksumRaw(v2Sheet)
	if err != nil {
		t.Fatalf("checksum a: %v", err)
	}
	b, err := ChecksumRaw(reordered)
	if err != nil {
		t.Fatalf("checksum b: %v", err)
	}
	if a != b {
		t.Fatalf("formatting changed the checksum: %s vs %s", a, b)
	}

	docA, _ := Parse(v2Sheet)
	docB, _ := Parse(reordered)
	if !docA.Equal(docB) {
		t.Fatalf("equal content reported unequal")
	}
}

func TestChecksumChangesWithContent(t *testing.T) {
	doc, err := Parse(v2Sheet)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	renamed, err := Parse(strings.Replace(v2Sheet, "Run-2400", "Run-2401", 1))
	if err != nil {
		t.Fatalf("parse renamed: %v", err)
	}
	if doc.Checksum() == renamed.Checksum() {
		t.Fatalf("different content produced equal checksums")
	}
	if doc.Equal(renamed) {
		t.Fatalf("different content reported equal")
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"empty":               "",
		"content first":       "RunName,Run-2400\n[Header]\n",
		"unterminated marker": "[Header\nRunName,x\n",
		"empty section name":  "[]\nRunName,x\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			var pe ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
		})
	}
}

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"Sample_ID":          "sample_id",
		"FileFormatVersion":  "file_format_version",
		"Read1Cycles":        "read1_cycles",
		"Index2":             "index2",
		"InstrumentPlatform": "instrument_platform",
		" TrimDashes-Here ":  "trim_dashes_here",
	}
	for in, want := range cases {
		if got := snakeCase(in); got != want {
			t.Fatalf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
