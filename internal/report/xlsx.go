// Package report renders task queries as spreadsheets.
package report

import (
	"io"
	"iter"

	"github.com/xuri/excelize/v2"

	"taskbot/internal/task"
)

const sheet = "Задачи"

var header = []any{"ID", "Создана", "Автор", "Описание", "Населённый пункт", "Адрес", "Дата", "Статус", "Исполнитель"}

// Names resolves user ids to display labels. A nil Names prints raw ids.
type Names func(id int64) string

// WriteTasksXLSX streams tasks into a single-sheet workbook and returns the
// number of rows written.
func WriteTasksXLSX(w io.Writer, tasks iter.Seq2[task.Task, error], names Names) (int, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return 0, err
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return 0, err
	}
	if err := sw.SetRow("A1", header); err != nil {
		return 0, err
	}

	n := 0
	for t, err := range tasks {
		if err != nil {
			return n, err
		}
		cell, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return n, err
		}
		if err := sw.SetRow(cell, row(t, names)); err != nil {
			return n, err
		}
		n++
	}
	if err := sw.Flush(); err != nil {
		return n, err
	}
	return n, f.Write(w)
}

func row(t task.Task, names Names) []any {
	label := func(id int64) any {
		if names == nil {
			return id
		}
		return names(id)
	}
	date, assignee := "", any("")
	if t.ScheduledDate != nil {
		date = t.ScheduledDate.Format(task.ChatDateLayout)
	}
	if t.AssigneeID != nil {
		assignee = label(*t.AssigneeID)
	}
	return []any{
		t.ID,
		t.CreatedAt.Format("02.01.2006 15:04"),
		label(t.AuthorID),
		t.Description,
		t.Locality,
		t.Address,
		date,
		t.Status.Title(),
		assignee,
	}
}
