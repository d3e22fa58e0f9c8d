// Package engine 按 TransformSpec 执行栅格与矢量变换。
//
// 栅格的几何操作（裁剪、重投影、重采样）先推导出最终输出网格，再按行条带分块
// 一次性重采样到暂存目录中的 float32 BIL，最后交给目标格式驱动编码；矢量数据
// 逐要素流式处理。所有输出写入调用方提供的目录，失败时不留下任何文件。
package engine
